//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"syncml-bt/internal/mux"
	"syncml-bt/internal/rfcomm"
	"syncml-bt/internal/sdp"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithSys replaces the socket syscall layer.
func WithSys(s rfcomm.Sys) Option {
	return func(m *Manager) { m.sys = s }
}

// WithListeners selects the channels to serve. The default is
// DefaultListeners.
func WithListeners(specs []ListenerSpec) Option {
	return func(m *Manager) { m.specs = specs }
}

// WithRecordOptions passes options to the SDP record registry.
func WithRecordOptions(opts ...sdp.Option) Option {
	return func(m *Manager) { m.recordOpts = append(m.recordOpts, opts...) }
}

// WithMuxOptions passes options to the event loop.
func WithMuxOptions(opts ...mux.Option) Option {
	return func(m *Manager) { m.muxOpts = append(m.muxOpts, opts...) }
}

// WithBestEffortAdvertising keeps initialising when a profile fails to
// register; the channel then listens without being advertised. By default
// a failed registration aborts initialisation.
func WithBestEffortAdvertising(on bool) Option {
	return func(m *Manager) { m.bestEffort = on }
}

// WithContext sets the parent context of every adapter call.
func WithContext(ctx context.Context) Option {
	return func(m *Manager) { m.ctx = ctx }
}

// WithStateObserver calls fn on the loop after every state change.
func WithStateObserver(fn func(State)) Option {
	return func(m *Manager) { m.observe = fn }
}

// session is the single active peer connection. The manager owns fd;
// lent is the duplicate handed to the engine.
type session struct {
	ch      rfcomm.Channel
	fd      int
	lent    int
	address string
}

// Manager is the transport connection manager.
type Manager struct {
	adapter    Adapter
	engine     Engine
	log        *zap.Logger
	sys        rfcomm.Sys
	ctx        context.Context
	specs      []ListenerSpec
	bestEffort bool
	recordOpts []sdp.Option
	muxOpts    []mux.Option
	observe    func(State)

	endpoints  map[rfcomm.Channel]*rfcomm.Endpoint
	records    *sdp.Registry
	loop       *mux.Multiplexer
	peers      *PeerRegistry
	advertised map[rfcomm.Channel]bool

	state State
	peer  *session
	err   error
}

// New returns an uninitialised Manager.
func New(adapter Adapter, engine Engine, opts ...Option) *Manager {
	m := &Manager{
		adapter:    adapter,
		engine:     engine,
		log:        zap.NewNop(),
		sys:        rfcomm.System,
		ctx:        context.Background(),
		specs:      DefaultListeners(),
		endpoints:  make(map[rfcomm.Channel]*rfcomm.Endpoint),
		peers:      NewPeerRegistry(),
		advertised: make(map[rfcomm.Channel]bool),
	}
	for _, o := range opts {
		o(m)
	}
	for _, spec := range m.specs {
		m.endpoints[spec.Channel] = rfcomm.NewEndpoint(spec.Channel,
			rfcomm.WithSys(m.sys), rfcomm.WithLogger(m.log.Named("rfcomm")))
	}
	m.records = sdp.NewRegistry(adapter, append([]sdp.Option{sdp.WithLogger(m.log.Named("sdp"))}, m.recordOpts...)...)
	m.loop = mux.New(mux.Handlers{
		Incoming: m.onReadable,
		Error:    m.HandleSocketError,
	}, append([]mux.Option{mux.WithLogger(m.log.Named("mux"))}, m.muxOpts...)...)
	adapter.Subscribe(profileEvents{m})
	return m
}

// State returns the current state.
func (m *Manager) State() State { return m.state }

// Err returns the terminal error, if the adapter turned out unavailable.
func (m *Manager) Err() error { return m.err }

// Post runs fn on the event loop. It is safe for concurrent use.
func (m *Manager) Post(fn func()) { m.loop.Post(fn) }

// Run drives the event loop until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	err := m.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.log.Debug("state change", zap.Stringer("from", m.state), zap.Stringer("state", s))
	m.state = s
	if m.observe != nil {
		m.observe(s)
	}
}

// Init starts the adapter readiness handshake and returns without waiting
// for it. The error only reports whether the request was issued.
func (m *Manager) Init() error {
	switch m.state {
	case StateShutdown:
		return errShutdown
	case StateUninitialized, StateInactive:
	default:
		return fmt.Errorf("connmgr: init in state %s", m.state)
	}
	m.setState(StateInitializing)
	err := m.adapter.Ready(m.ctx, func(r Readiness) {
		m.loop.Post(func() { m.onAdapterReady(r) })
	})
	if err != nil {
		m.log.Error("bluetooth manager init failed", zap.Error(err))
		m.setState(StateUninitialized)
		return fmt.Errorf("connmgr: start adapter handshake: %w", err)
	}
	m.log.Debug("bluetooth manager init started")
	return nil
}

func (m *Manager) onAdapterReady(r Readiness) {
	if m.state != StateInitializing {
		m.log.Debug("ignoring late adapter readiness", zap.Stringer("state", m.state))
		return
	}
	switch {
	case r.Err != nil:
		m.log.Error("bluetooth manager init error", zap.Error(r.Err))
		m.err = fmt.Errorf("%w: %v", ErrAdapterUnavailable, r.Err)
	case r.Blocked:
		m.log.Warn("bluetooth manager init failed (adapter is blocked)")
		m.err = fmt.Errorf("%w: adapter is blocked", ErrAdapterUnavailable)
	case !r.Operational:
		m.log.Error("bluetooth manager init failed (not operational)")
		m.err = fmt.Errorf("%w: not operational", ErrAdapterUnavailable)
	}
	if m.err != nil {
		m.setState(StateShutdown)
		return
	}
	m.log.Debug("adapter ready", zap.String("address", r.Address))

	for _, spec := range m.specs {
		if !spec.Advertise {
			continue
		}
		payload := m.records.LoadOrDefault(spec.Channel)
		m.advertised[spec.Channel] = true
		if err := m.records.Register(m.ctx, spec.Channel, payload); err != nil {
			if m.bestEffort {
				m.log.Warn("channel listens without advertisement", zap.Stringer("channel", spec.Channel), zap.Error(err))
				continue
			}
			m.log.Warn("error in creating the SDP records", zap.Error(err))
			m.abortInit()
			return
		}
	}

	for _, spec := range m.specs {
		if _, err := m.endpoints[spec.Channel].Open(); err != nil {
			m.log.Warn("error opening listening socket", zap.Stringer("channel", spec.Channel), zap.Error(err))
			m.abortInit()
			return
		}
	}
	m.watchAll()
	m.setState(StateReady)
	m.log.Info("bluetooth transport ready")
}

// abortInit unwinds a partial initialisation and leaves the manager
// inactive.
func (m *Manager) abortInit() {
	for _, ep := range m.endpoints {
		ep.Close()
	}
	m.unregisterAll()
	m.setState(StateInactive)
}

func (m *Manager) unregisterAll() {
	// Teardown usually runs after the manager's context is done.
	ctx := context.WithoutCancel(m.ctx)
	for _, spec := range m.specs {
		if !m.advertised[spec.Channel] {
			continue
		}
		// Failures are logged by the registry.
		_ = m.records.Unregister(ctx, spec.Channel)
		delete(m.advertised, spec.Channel)
	}
}

// watch arms ch, opening its socket first if an earlier reopen failed.
func (m *Manager) watch(ch rfcomm.Channel) {
	ep := m.endpoints[ch]
	if !ep.IsOpen() {
		if _, err := ep.Open(); err != nil {
			m.log.Error("channel has no listening socket", zap.Stringer("channel", ch), zap.Error(err))
			return
		}
	}
	if err := m.loop.Watch(ch, ep.FD()); err != nil {
		m.log.Warn("unable to watch channel", zap.Stringer("channel", ch), zap.Error(err))
	}
}

func (m *Manager) watchAll() {
	for _, spec := range m.specs {
		m.watch(spec.Channel)
	}
}

func (m *Manager) unwatchAll() {
	for _, spec := range m.specs {
		m.loop.Unwatch(spec.Channel)
	}
}

// reopen closes and reopens ch's socket. A channel whose socket cannot be
// reopened stays closed and unwatched until the next recovery.
func (m *Manager) reopen(ch rfcomm.Channel) {
	if _, err := m.endpoints[ch].Reopen(); err != nil {
		m.log.Warn("unable to reopen listening socket", zap.Stringer("channel", ch), zap.Error(err))
	}
}

func (m *Manager) closeFD(fd int, what string) {
	if fd < 0 {
		return
	}
	if err := m.sys.Close(fd); err != nil {
		m.log.Warn("close "+what, zap.Int("fd", fd), zap.Error(err))
	}
}

// onReadable accepts the pending connection of a readable listener.
func (m *Manager) onReadable(ch rfcomm.Channel, fd int) {
	ep, ok := m.endpoints[ch]
	if !ok || ep.FD() != fd {
		return
	}
	conn, address, err := ep.Accept()
	if err != nil {
		if rfcomm.IsTemporary(err) {
			return
		}
		m.log.Warn("accept failed", zap.Stringer("channel", ch), zap.Error(err))
		m.HandleSocketError(ch, fd)
		return
	}
	if m.state != StateReady {
		m.log.Info("rejecting connection", zap.Stringer("channel", ch), zap.String("address", address), zap.Stringer("state", m.state))
		m.closeFD(conn, "rejected connection")
		return
	}
	m.peers.Insert(conn, ch, address)
	m.handleIncoming(ch, conn)
}

// handleIncoming hands fd, a connection reported on ch and recorded in the
// peer registry, to the engine.
func (m *Manager) handleIncoming(ch rfcomm.Channel, fd int) {
	log := m.log.With(zap.Stringer("channel", ch), zap.Int("fd", fd))
	log.Debug("incoming connection")

	if m.state != StateReady {
		log.Info("ignoring incoming connection", zap.Stringer("state", m.state))
		if _, ok := m.peers.Resolve(fd); ok {
			m.closeFD(fd, "ignored connection")
		}
		return
	}

	lent, err := m.sys.Dup(fd)
	if err != nil {
		log.Warn("unable to duplicate descriptor", zap.Error(err))
		if _, ok := m.peers.Resolve(fd); ok {
			m.closeFD(fd, "connection")
		}
		return
	}

	p, ok := m.peers.Resolve(fd)
	if !ok {
		log.Warn("dropping connection", zap.Error(ErrUnresolvedPeer))
		m.closeFD(lent, "duplicate")
		return
	}
	if p.Address == "" {
		log.Warn("dropping connection without peer address")
		m.closeFD(lent, "duplicate")
		m.closeFD(fd, "connection")
		return
	}
	log.Debug("connection from device", zap.String("address", p.Address))

	if err := m.sys.SetNonblock(lent); err != nil {
		log.Warn("error while setting socket into non-blocking mode", zap.Error(err))
	}
	m.peer = &session{ch: ch, fd: fd, lent: lent, address: p.Address}
	// No further accepts on ch until the session ends.
	m.loop.Unwatch(ch)
	m.setState(StateSessionActive)
	log.Info("peer connected", zap.String("address", p.Address), zap.Int("lent_fd", lent))
	m.engine.Connected(lent, p.Address)
}

// HandleSyncFinished ends the active session. After an error both
// listeners are rebuilt; after a clean finish they are re-armed as is.
func (m *Manager) HandleSyncFinished(hadError bool) {
	switch m.state {
	case StateSessionActive, StateReady:
	default:
		m.log.Warn("sync finished in unexpected state", zap.Stringer("state", m.state))
		return
	}
	m.endSession()

	if hadError {
		m.log.Warn("sync finished with error, resetting listeners")
		m.setState(StateRecovering)
		m.unwatchAll()
		for _, spec := range m.specs {
			m.endpoints[spec.Channel].Close()
		}
		for _, spec := range m.specs {
			if _, err := m.endpoints[spec.Channel].Open(); err != nil {
				m.log.Warn("unable to reopen listening socket", zap.Stringer("channel", spec.Channel), zap.Error(err))
			}
		}
	} else {
		m.log.Debug("sync successfully finished")
	}
	m.watchAll()
	m.setState(StateReady)
}

// HandleSocketError rebuilds the listener of ch after an error condition
// on fd. Other channels are not touched.
func (m *Manager) HandleSocketError(ch rfcomm.Channel, fd int) {
	ep, ok := m.endpoints[ch]
	if !ok || ep.FD() != fd {
		return
	}
	m.log.Warn("error in bluetooth connection, reopening", zap.Stringer("channel", ch), zap.Int("fd", fd))
	m.loop.Unwatch(ch)
	m.reopen(ch)
	m.watch(ch)
}

func (m *Manager) endSession() {
	if m.peer == nil {
		return
	}
	m.closeFD(m.peer.fd, "peer socket")
	m.peer = nil
}

// HandleDisconnectRequest drops the peer connection to address, or any
// peer if address is empty. The session slot stays taken until
// HandleSyncFinished.
func (m *Manager) HandleDisconnectRequest(address string) {
	if m.peer == nil {
		return
	}
	if address != "" && address != m.peer.address {
		m.log.Debug("disconnect request for unknown device", zap.String("address", address))
		return
	}
	m.log.Info("peer disconnect requested", zap.String("address", m.peer.address))
	m.endSession()
}

// PeerFD returns the descriptor lent to the engine for the active
// connection.
func (m *Manager) PeerFD() (int, bool) {
	if m.peer == nil {
		return rfcomm.NoFD, false
	}
	return m.peer.lent, true
}

// IsConnected reports whether a peer connection is held.
func (m *Manager) IsConnected() bool { return m.peer != nil }

// Disconnect closes the manager's copy of the peer connection.
func (m *Manager) Disconnect() { m.endSession() }

// Uninit tears everything down and moves to StateShutdown. Only what was
// actually set up is unwound, so it is safe from any state and more than
// once.
func (m *Manager) Uninit() {
	m.log.Debug("uninit", zap.Stringer("state", m.state))
	m.unwatchAll()
	m.unregisterAll()
	for _, spec := range m.specs {
		m.endpoints[spec.Channel].Close()
	}
	m.endSession()
	for _, p := range m.peers.Clear() {
		m.closeFD(p.FD, "unclaimed connection")
	}
	m.setState(StateShutdown)
}

// profileEvents posts adapter profile notifications onto the loop.
type profileEvents struct{ m *Manager }

func (e profileEvents) NewConnection(ch rfcomm.Channel, fd int, address string) {
	e.m.loop.Post(func() {
		m := e.m
		if _, ok := m.endpoints[ch]; !ok || m.state == StateShutdown {
			m.log.Info("rejecting profile connection", zap.Stringer("channel", ch), zap.Stringer("state", m.state))
			m.closeFD(fd, "profile connection")
			return
		}
		if old, replaced := m.peers.Insert(fd, ch, address); replaced {
			m.log.Debug("replaced stale peer entry", zap.Int("fd", fd), zap.String("address", old.Address))
		}
		m.handleIncoming(ch, fd)
	})
}

func (e profileEvents) RequestDisconnection(_ rfcomm.Channel, address string) {
	e.m.loop.Post(func() { e.m.HandleDisconnectRequest(address) })
}

func (e profileEvents) Release(ch rfcomm.Channel) {
	e.m.loop.Post(func() {
		for _, p := range e.m.peers.Release(ch) {
			e.m.closeFD(p.FD, "released connection")
		}
	})
}
