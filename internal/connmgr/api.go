// Package connmgr manages the RFCOMM transport of the SyncML server plugin:
// it advertises the client and server role SDP profiles, keeps one
// listening socket per role armed on a single event loop, hands accepted
// peers to the sync protocol engine and rebuilds listeners after errors.
//
// Thread-safety: a Manager is driven from its event loop. Init, Uninit,
// HandleSyncFinished and the other methods must run on the loop goroutine,
// either before Run starts or inside a callback given to Post. Post is the
// only method safe for concurrent use. Adapter and profile callbacks that
// arrive on other goroutines are posted to the loop internally.
//
// Only one peer session exists at a time; a second connection arriving
// while a session is active is rejected.
package connmgr

import (
	"context"
	"errors"
	"fmt"

	"syncml-bt/internal/rfcomm"
	"syncml-bt/internal/sdp"
)

var (
	// ErrAdapterUnavailable is terminal: the adapter reported it is not
	// operational (powered off, blocked or absent). Manager.Err returns it.
	ErrAdapterUnavailable = errors.New("connmgr: bluetooth adapter unavailable")

	// ErrUnresolvedPeer is logged when an incoming descriptor maps to no
	// known profile connection.
	ErrUnresolvedPeer = errors.New("connmgr: peer address not known")

	errShutdown = errors.New("connmgr: shut down")
)

// Readiness is the outcome of the adapter's asynchronous readiness handshake.
type Readiness struct {
	// Operational is true when the adapter is present and powered.
	Operational bool
	// Blocked is true when the adapter is soft or hard blocked (rfkill).
	Blocked bool
	// Address of the adapter in use, if known.
	Address string
	// Err is set when the handshake itself failed.
	Err error
}

// ProfileEvents receives the notifications BlueZ sends to a registered
// Profile1 object. Implementations must tolerate calls from any goroutine.
type ProfileEvents interface {
	// NewConnection hands over fd, a connected RFCOMM socket from address.
	NewConnection(ch rfcomm.Channel, fd int, address string)
	// RequestDisconnection asks to drop the connection to address.
	RequestDisconnection(ch rfcomm.Channel, address string)
	// Release tells the profile it is no longer registered.
	Release(ch rfcomm.Channel)
}

// Adapter is the platform Bluetooth collaborator.
type Adapter interface {
	sdp.Adapter

	// Ready starts the readiness handshake and returns at once. The
	// error only reports whether the request could be issued; the
	// outcome arrives later through fn, possibly on another goroutine.
	Ready(ctx context.Context, fn func(Readiness)) error

	// Subscribe routes profile notifications to ev.
	Subscribe(ev ProfileEvents)
}

// Engine is the sync protocol engine that consumes accepted connections.
// It owns fd from Connected on and reports back with
// Manager.HandleSyncFinished.
type Engine interface {
	Connected(fd int, address string)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(fd int, address string)

// Connected calls f.
func (f EngineFunc) Connected(fd int, address string) { f(fd, address) }

// State is the manager's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	// StateInitializing waits for the adapter readiness handshake.
	StateInitializing
	// StateReady has the listeners armed and no peer.
	StateReady
	// StateSessionActive has handed one peer to the engine.
	StateSessionActive
	// StateRecovering rebuilds both listeners after a failed session.
	StateRecovering
	// StateInactive follows an aborted initialisation. Init may be retried.
	StateInactive
	// StateShutdown is terminal.
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateSessionActive:
		return "session-active"
	case StateRecovering:
		return "recovering"
	case StateInactive:
		return "inactive"
	case StateShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ListenerSpec selects one channel to serve and whether its SDP profile
// is advertised.
type ListenerSpec struct {
	Channel   rfcomm.Channel
	Advertise bool
}

// DefaultListeners serves both roles with advertisement.
func DefaultListeners() []ListenerSpec {
	return []ListenerSpec{
		{Channel: rfcomm.ClientRole, Advertise: true},
		{Channel: rfcomm.ServerRole, Advertise: true},
	}
}

// ClientListener is the degenerate single-channel case: the client role
// channel only, without SDP advertisement.
func ClientListener() []ListenerSpec {
	return []ListenerSpec{{Channel: rfcomm.ClientRole}}
}
