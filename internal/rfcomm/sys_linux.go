//go:build linux

package rfcomm

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Link mode socket option, from <bluetooth/rfcomm.h>.
const (
	solRFCOMM      = 18
	rfcommLM       = 0x03
	rfcommLMSecure = 0x0200
)

// Sys is the set of descriptor calls an Endpoint and its owner make.
// System is the real implementation; tests substitute their own.
type Sys interface {
	// Socket creates a connection-oriented RFCOMM stream socket.
	Socket() (int, error)
	// SetSecure requests a secure (authenticated and encrypted) link.
	SetSecure(fd int) error
	// Bind binds fd to any local adapter address on the given channel.
	Bind(fd int, channel uint8) error
	Listen(fd int, backlog int) error
	SetNonblock(fd int) error
	// Accept takes one pending connection off a listening socket and
	// returns its descriptor and the remote device address.
	Accept(fd int) (int, string, error)
	Dup(fd int) (int, error)
	Close(fd int) error
}

// System issues real syscalls through golang.org/x/sys/unix.
var System Sys = unixSys{}

type unixSys struct{}

func (unixSys) Socket() (int, error) {
	return unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
}

func (unixSys) SetSecure(fd int) error {
	return unix.SetsockoptInt(fd, solRFCOMM, rfcommLM, rfcommLMSecure)
}

func (unixSys) Bind(fd int, channel uint8) error {
	// Zero Addr is BDADDR_ANY.
	return unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: channel})
}

func (unixSys) Listen(fd int, backlog int) error {
	return unix.Listen(fd, backlog)
}

func (unixSys) SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

func (unixSys) Accept(fd int) (int, string, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
	if err != nil {
		return NoFD, "", err
	}
	rc, ok := sa.(*unix.SockaddrRFCOMM)
	if !ok {
		// Accepted, but the peer is not addressable; the caller treats
		// an empty address as unresolved.
		return nfd, "", nil
	}
	return nfd, FormatAddr(rc.Addr), nil
}

func (unixSys) Dup(fd int) (int, error) {
	return unix.Dup(fd)
}

func (unixSys) Close(fd int) error {
	return unix.Close(fd)
}

// IsTemporary reports whether err only means "nothing to accept yet".
func IsTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}
