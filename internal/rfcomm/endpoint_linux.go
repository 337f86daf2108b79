//go:build linux

package rfcomm

import (
	"fmt"

	"go.uber.org/zap"
)

// backlog is one: a SyncML session serves a single peer, so at most one
// connection may be pending per channel.
const backlog = 1

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithSys replaces the syscall layer.
func WithSys(s Sys) Option {
	return func(e *Endpoint) { e.sys = s }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Endpoint) { e.log = l }
}

// Endpoint is one listening RFCOMM socket.
type Endpoint struct {
	channel Channel
	fd      int
	sys     Sys
	log     *zap.Logger
}

// NewEndpoint returns a closed Endpoint for ch.
func NewEndpoint(ch Channel, opts ...Option) *Endpoint {
	e := &Endpoint{channel: ch, fd: NoFD, sys: System, log: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With(zap.Stringer("channel", ch))
	return e
}

// Channel returns the channel this endpoint listens on.
func (e *Endpoint) Channel() Channel { return e.channel }

// FD returns the held descriptor, or NoFD.
func (e *Endpoint) FD() int { return e.fd }

// IsOpen reports whether a listening descriptor is held.
func (e *Endpoint) IsOpen() bool { return e.fd != NoFD }

// Open creates, secures, binds and starts listening on the channel, then
// switches the socket to non-blocking mode. On any failure the partially
// set up socket is closed and the Endpoint stays closed.
func (e *Endpoint) Open() (int, error) {
	if e.fd != NoFD {
		return NoFD, fmt.Errorf("%w: %s already open (fd %d)", ErrSocket, e.channel, e.fd)
	}
	fd, err := e.sys.Socket()
	if err != nil {
		return NoFD, fmt.Errorf("%w: socket %s: %v", ErrSocket, e.channel, err)
	}
	steps := []struct {
		name string
		run  func() error
	}{
		{"set link mode", func() error { return e.sys.SetSecure(fd) }},
		{"bind", func() error { return e.sys.Bind(fd, e.channel.Number()) }},
		{"listen", func() error { return e.sys.Listen(fd, backlog) }},
		{"set non-blocking", func() error { return e.sys.SetNonblock(fd) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			if cerr := e.sys.Close(fd); cerr != nil {
				e.log.Warn("close after failed setup", zap.Int("fd", fd), zap.Error(cerr))
			}
			return NoFD, fmt.Errorf("%w: %s %s: %v", ErrSocket, step.name, e.channel, err)
		}
	}
	e.fd = fd
	e.log.Debug("opened listening socket", zap.Int("fd", fd), zap.Uint8("rfcomm_channel", e.channel.Number()))
	return fd, nil
}

// Close closes the held descriptor. It is a no-op on a closed Endpoint and
// always leaves the Endpoint holding NoFD.
func (e *Endpoint) Close() {
	if e.fd == NoFD {
		return
	}
	fd := e.fd
	e.fd = NoFD
	if err := e.sys.Close(fd); err != nil {
		e.log.Warn("close listening socket", zap.Int("fd", fd), zap.Error(err))
		return
	}
	e.log.Debug("closed listening socket", zap.Int("fd", fd))
}

// Reopen closes and opens the socket again.
func (e *Endpoint) Reopen() (int, error) {
	e.Close()
	return e.Open()
}

// Accept takes one pending connection. It returns the raw error from the
// syscall layer so callers can recognise IsTemporary.
func (e *Endpoint) Accept() (int, string, error) {
	if e.fd == NoFD {
		return NoFD, "", fmt.Errorf("%w: accept on closed %s", ErrSocket, e.channel)
	}
	return e.sys.Accept(e.fd)
}
