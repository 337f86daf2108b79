//go:build linux

// Package mux is the single cooperative event loop of the transport.
//
// A Multiplexer watches the readiness of at most one descriptor per
// channel and runs callbacks posted from other goroutines. Readiness is
// level-triggered: a descriptor that stays readable is reported on every
// Step until it is drained or unwatched. All handlers and posted callbacks
// run on the goroutine calling Step (or Run), one at a time.
package mux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"syncml-bt/internal/rfcomm"
)

// ErrInvalidDescriptor is returned by Watch for a negative descriptor.
var ErrInvalidDescriptor = errors.New("mux: invalid descriptor")

// DefaultInterval is how long Run waits in one poll.
const DefaultInterval = 100 * time.Millisecond

const errorEvents = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL | unix.POLLPRI

// Handlers receive readiness events. Incoming and Error are required;
// writable readiness is only requested when Writable is set.
type Handlers struct {
	Incoming func(ch rfcomm.Channel, fd int)
	Error    func(ch rfcomm.Channel, fd int)
	Writable func(ch rfcomm.Channel, fd int)
}

// PollFunc has the signature of unix.Poll.
type PollFunc func(fds []unix.PollFd, timeout int) (int, error)

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithPollFunc replaces unix.Poll.
func WithPollFunc(f PollFunc) Option {
	return func(m *Multiplexer) { m.poll = f }
}

// WithInterval sets the poll timeout used by Run.
func WithInterval(d time.Duration) Option {
	return func(m *Multiplexer) { m.interval = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Multiplexer) { m.log = l }
}

type watch struct {
	ch rfcomm.Channel
	fd int
}

// Multiplexer is the event loop. Watch, Unwatch and Step must be called
// from the loop goroutine; Post may be called from anywhere.
type Multiplexer struct {
	h        Handlers
	poll     PollFunc
	interval time.Duration
	log      *zap.Logger
	watches  map[rfcomm.Channel]*watch

	mu    sync.Mutex
	queue []func()
	wake  int
}

// New returns a Multiplexer dispatching to h.
func New(h Handlers, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		h:        h,
		poll:     unix.Poll,
		interval: DefaultInterval,
		log:      zap.NewNop(),
		watches:  make(map[rfcomm.Channel]*watch),
		wake:     -1,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Watch starts reporting readiness of fd for ch. Watching a channel that
// is already watched is a no-op, whatever fd is passed.
func (m *Multiplexer) Watch(ch rfcomm.Channel, fd int) error {
	if fd < 0 {
		return fmt.Errorf("%w: %d for %s", ErrInvalidDescriptor, fd, ch)
	}
	if w, ok := m.watches[ch]; ok {
		m.log.Debug("already watching", zap.Stringer("channel", ch), zap.Int("fd", w.fd))
		return nil
	}
	m.watches[ch] = &watch{ch: ch, fd: fd}
	m.log.Debug("added listener", zap.Stringer("channel", ch), zap.Int("fd", fd))
	return nil
}

// Unwatch stops all readiness reporting for ch. The descriptor is left open.
func (m *Multiplexer) Unwatch(ch rfcomm.Channel) {
	w, ok := m.watches[ch]
	if !ok {
		return
	}
	delete(m.watches, ch)
	m.log.Debug("removed listener", zap.Stringer("channel", ch), zap.Int("fd", w.fd))
}

// Watching reports whether ch is watched.
func (m *Multiplexer) Watching(ch rfcomm.Channel) bool {
	_, ok := m.watches[ch]
	return ok
}

// WatchedFD returns the descriptor watched for ch.
func (m *Multiplexer) WatchedFD(ch rfcomm.Channel) (int, bool) {
	w, ok := m.watches[ch]
	if !ok {
		return -1, false
	}
	return w.fd, true
}

// Len returns the number of watched channels.
func (m *Multiplexer) Len() int { return len(m.watches) }

// Post queues fn to run on the loop goroutine.
func (m *Multiplexer) Post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	m.wakeUp()
}

func (m *Multiplexer) wakeUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wake < 0 {
		return
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(m.wake, b[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		m.log.Warn("wake event loop", zap.Error(err))
	}
}

// RunPending runs every queued callback, including ones queued meanwhile.
func (m *Multiplexer) RunPending() {
	for {
		m.mu.Lock()
		q := m.queue
		m.queue = nil
		m.mu.Unlock()
		if len(q) == 0 {
			return
		}
		for _, fn := range q {
			fn()
		}
	}
}

// Step runs queued callbacks, polls the watched descriptors once for at
// most timeout (negative waits indefinitely) and dispatches what is ready.
func (m *Multiplexer) Step(timeout time.Duration) error {
	m.RunPending()

	order := make([]*watch, 0, len(m.watches)+1)
	fds := make([]unix.PollFd, 0, len(m.watches)+1)
	for _, ch := range rfcomm.Channels {
		w, ok := m.watches[ch]
		if !ok {
			continue
		}
		events := int16(unix.POLLIN | unix.POLLPRI)
		if m.h.Writable != nil {
			events |= unix.POLLOUT
		}
		order = append(order, w)
		fds = append(fds, unix.PollFd{Fd: int32(w.fd), Events: events})
	}
	m.mu.Lock()
	wake := m.wake
	m.mu.Unlock()
	if wake >= 0 {
		order = append(order, nil)
		fds = append(fds, unix.PollFd{Fd: int32(wake), Events: unix.POLLIN})
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := m.poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("mux: poll: %w", err)
	}
	if n > 0 {
		for i, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			if order[i] == nil {
				m.drainWake(int(pfd.Fd))
				continue
			}
			m.dispatch(order[i], pfd.Revents)
		}
	}

	m.RunPending()
	return nil
}

// dispatch reports each ready condition of w while w is still the
// channel's current watch; an earlier handler may have unwatched it.
func (m *Multiplexer) dispatch(w *watch, revents int16) {
	current := func() bool { return m.watches[w.ch] == w }
	if revents&errorEvents != 0 && current() {
		m.log.Debug("error condition", zap.Stringer("channel", w.ch), zap.Int("fd", w.fd), zap.Int16("revents", revents))
		m.h.Error(w.ch, w.fd)
	}
	if revents&unix.POLLIN != 0 && current() {
		m.h.Incoming(w.ch, w.fd)
	}
	if revents&unix.POLLOUT != 0 && m.h.Writable != nil && current() {
		m.h.Writable(w.ch, w.fd)
	}
}

func (m *Multiplexer) drainWake(fd int) {
	var b [8]byte
	if _, err := unix.Read(fd, b[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		m.log.Warn("drain wake event", zap.Error(err))
	}
}

// Run steps the loop until ctx is done. Posted callbacks wake it early.
func (m *Multiplexer) Run(ctx context.Context) error {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("mux: eventfd: %w", err)
	}
	m.mu.Lock()
	m.wake = efd
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.wake = -1
		m.mu.Unlock()
		unix.Close(efd)
	}()

	stop := context.AfterFunc(ctx, m.wakeUp)
	defer stop()

	for ctx.Err() == nil {
		if err := m.Step(m.interval); err != nil {
			return err
		}
	}
	m.RunPending()
	return ctx.Err()
}
