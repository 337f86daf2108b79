//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"syncml-bt/internal/rfcomm"
	"syncml-bt/internal/sdp"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

// DefaultProfilePath is the object path prefix the profiles are exported
// under; the role name is appended.
const DefaultProfilePath = "/org/buteo/syncml"

// BlueZOption configures a BlueZ adapter.
type BlueZOption func(*BlueZ)

// WithBus uses an existing connection instead of the system bus.
func WithBus(c *dbus.Conn) BlueZOption {
	return func(b *BlueZ) { b.bus = c }
}

// WithProfilePath sets the object path prefix of exported profiles.
func WithProfilePath(prefix string) BlueZOption {
	return func(b *BlueZ) { b.pathPrefix = strings.TrimRight(prefix, "/") }
}

// WithBlueZLogger sets the logger.
func WithBlueZLogger(l *zap.Logger) BlueZOption {
	return func(b *BlueZ) { b.log = l }
}

// BlueZ is the Adapter backed by bluetoothd over the system D-Bus. Only
// the first adapter BlueZ reports is used.
type BlueZ struct {
	mu         sync.Mutex
	closed     bool
	bus        *dbus.Conn
	ownBus     bool
	pathPrefix string
	log        *zap.Logger

	adapterPath dbus.ObjectPath
	profiles    map[string]*profile // by uuid
	events      ProfileEvents
}

var _ Adapter = (*BlueZ)(nil)

// NewBlueZ returns an adapter. The bus is connected lazily.
func NewBlueZ(opts ...BlueZOption) *BlueZ {
	b := &BlueZ{
		pathPrefix: DefaultProfilePath,
		log:        zap.NewNop(),
		profiles:   make(map[string]*profile),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ensureBusLocked connects to the system bus if not yet connected.
func (b *BlueZ) ensureBusLocked() error {
	if b.closed {
		return errors.New("connmgr: bluez adapter closed")
	}
	if b.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	b.bus = c
	b.ownBus = true
	return nil
}

func (b *BlueZ) conn() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureBusLocked(); err != nil {
		return nil, err
	}
	return b.bus, nil
}

// Subscribe routes Profile1 calls to ev.
func (b *BlueZ) Subscribe(ev ProfileEvents) {
	b.mu.Lock()
	b.events = ev
	b.mu.Unlock()
}

func (b *BlueZ) subscriber() ProfileEvents {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events
}

// Ready connects to the bus and probes the first adapter in the background.
func (b *BlueZ) Ready(ctx context.Context, fn func(Readiness)) error {
	bus, err := b.conn()
	if err != nil {
		return err
	}
	go func() { fn(b.probe(ctx, bus)) }()
	return nil
}

func (b *BlueZ) probe(ctx context.Context, bus *dbus.Conn) Readiness {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := bus.Object(bluezService, dbus.ObjectPath("/")).CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return Readiness{Err: fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)}
	}
	if err := call.Store(&objs); err != nil {
		return Readiness{Err: fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)}
	}
	var adapters []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			adapters = append(adapters, path)
		}
	}
	if len(adapters) == 0 {
		return Readiness{Err: errors.New("connmgr: no bluetooth adapter")}
	}
	sort.Slice(adapters, func(i, j int) bool { return adapters[i] < adapters[j] })
	path := adapters[0]
	props := objs[path][adapterIface]

	b.mu.Lock()
	b.adapterPath = path
	b.mu.Unlock()

	r := Readiness{}
	if v, ok := props["Address"]; ok {
		r.Address, _ = v.Value().(string)
	}
	if v, ok := props["Powered"]; ok {
		r.Operational, _ = v.Value().(bool)
	}
	// PowerState exists since BlueZ 5.60.
	if v, ok := props["PowerState"]; ok {
		if s, _ := v.Value().(string); s == "off-blocked" {
			r.Blocked = true
		}
	}
	b.log.Debug("adapter probed", zap.String("path", string(path)), zap.String("address", r.Address),
		zap.Bool("powered", r.Operational), zap.Bool("blocked", r.Blocked))
	return r
}

// AdvertisedUUIDs returns the Adapter1.UUIDs property of the adapter found
// by Ready.
func (b *BlueZ) AdvertisedUUIDs(ctx context.Context) ([]string, error) {
	bus, err := b.conn()
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	path := b.adapterPath
	b.mu.Unlock()
	if path == "" {
		return nil, errors.New("connmgr: adapter not probed")
	}
	var v dbus.Variant
	call := bus.Object(bluezService, path).CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "UUIDs")
	if call.Err != nil {
		return nil, fmt.Errorf("connmgr: get adapter UUIDs: %w", call.Err)
	}
	if err := call.Store(&v); err != nil {
		return nil, fmt.Errorf("connmgr: decode adapter UUIDs: %w", err)
	}
	uuids, _ := v.Value().([]string)
	return uuids, nil
}

// RegisterProfile exports a Profile1 object for p and registers it.
func (b *BlueZ) RegisterProfile(ctx context.Context, p sdp.Profile) error {
	bus, err := b.conn()
	if err != nil {
		return err
	}
	path := dbus.ObjectPath(b.pathPrefix + "/" + p.Channel.Role())
	prof := &profile{b: b, ch: p.Channel, path: path}
	if err := bus.Export(prof, path, profileInterfaceName); err != nil {
		return fmt.Errorf("connmgr: export %s profile: %w", p.Channel.Role(), err)
	}
	opts := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(p.Name),
		"Role": dbus.MakeVariant(p.Channel.Role()),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel":               dbus.MakeVariant(uint16(p.Channel.Number())),
		"ServiceRecord":         dbus.MakeVariant(p.ServiceRecord),
		"RequireAuthentication": dbus.MakeVariant(p.RequireAuthentication),
		"RequireAuthorization":  dbus.MakeVariant(p.RequireAuthorization),
	}
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, path, p.UUID, opts); call.Err != nil {
		_ = bus.Export(nil, path, profileInterfaceName)
		return fmt.Errorf("connmgr: RegisterProfile(%s): %w", p.Channel.Role(), call.Err)
	}
	b.mu.Lock()
	b.profiles[strings.ToLower(p.UUID)] = prof
	b.mu.Unlock()
	b.log.Debug("profile registered", zap.String("path", string(path)), zap.String("uuid", p.UUID))
	return nil
}

// UnregisterProfile unregisters and unexports the profile registered for
// uuid by this process.
func (b *BlueZ) UnregisterProfile(ctx context.Context, uuid string) error {
	bus, err := b.conn()
	if err != nil {
		return err
	}
	key := strings.ToLower(uuid)
	b.mu.Lock()
	prof, ok := b.profiles[key]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("connmgr: profile %s not registered by this process", uuid)
	}
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	callErr := pm.CallWithContext(ctx, profileManagerIface+".UnregisterProfile", 0, prof.path).Err
	// Unexport the object path (best-effort).
	_ = bus.Export(nil, prof.path, profileInterfaceName)
	b.mu.Lock()
	delete(b.profiles, key)
	b.mu.Unlock()
	if callErr != nil {
		return fmt.Errorf("connmgr: UnregisterProfile(%s): %w", prof.ch.Role(), callErr)
	}
	return nil
}

// Close unexports remaining profiles and closes a bus this adapter opened.
// BlueZ drops the registrations of a disconnected client on its own.
func (b *BlueZ) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.bus == nil {
		return nil
	}
	for key, prof := range b.profiles {
		_ = b.bus.Export(nil, prof.path, profileInterfaceName)
		delete(b.profiles, key)
	}
	if b.ownBus {
		return b.bus.Close()
	}
	return nil
}

// profile implements org.bluez.Profile1 for one channel.
type profile struct {
	b    *BlueZ
	ch   rfcomm.Channel
	path dbus.ObjectPath
}

// Release is called by BlueZ when the profile is unregistered.
func (p *profile) Release() *dbus.Error {
	if ev := p.b.subscriber(); ev != nil {
		ev.Release(p.ch)
	}
	return nil
}

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection forwards a device disconnect.
func (p *profile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	if ev := p.b.subscriber(); ev != nil {
		ev.RequestDisconnection(p.ch, macFromPath(dev))
	}
	return nil
}

// NewConnection hands the RFCOMM socket BlueZ accepted to the subscriber.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	ev := p.b.subscriber()
	if ev == nil {
		// No receiver: close the fd and reject.
		_ = os.NewFile(uintptr(fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
	p.b.log.Debug("profile connection", zap.Stringer("channel", p.ch), zap.String("device", string(dev)), zap.Int("fd", int(fd)))
	ev.NewConnection(p.ch, int(fd), macFromPath(dev))
	return nil
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
