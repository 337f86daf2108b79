// Package rfcomm owns the listening RFCOMM sockets of the SyncML transport.
//
// An Endpoint holds exactly one raw socket descriptor for one Channel. A held
// descriptor is always bound, listening and non-blocking; a closed Endpoint
// holds the sentinel -1 so a descriptor can never be closed twice.
//
// Endpoints are not safe for concurrent use. They are driven from the
// single event loop of the connection manager.
package rfcomm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSocket is wrapped by every socket setup or teardown failure.
var ErrSocket = errors.New("rfcomm: socket error")

// NoFD is the sentinel stored by an Endpoint that holds no descriptor.
const NoFD = -1

// Channel identifies one of the two fixed RFCOMM listeners.
type Channel int

const (
	// ClientRole is the channel remote SyncML servers connect to
	// when this device acts as the SyncML client.
	ClientRole Channel = iota
	// ServerRole is the channel remote SyncML clients connect to.
	ServerRole
)

// Fixed RFCOMM channel numbers. They also appear in the default SDP records.
const (
	ClientChannel uint8 = 25
	ServerChannel uint8 = 26
)

// Channels lists every channel in a stable order.
var Channels = []Channel{ClientRole, ServerRole}

// Number returns the fixed RFCOMM channel number.
func (c Channel) Number() uint8 {
	switch c {
	case ClientRole:
		return ClientChannel
	case ServerRole:
		return ServerChannel
	}
	return 0
}

// Role returns the BlueZ profile role name ("client" or "server").
func (c Channel) Role() string {
	switch c {
	case ClientRole:
		return "client"
	case ServerRole:
		return "server"
	}
	return ""
}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	return c == ClientRole || c == ServerRole
}

func (c Channel) String() string {
	if !c.Valid() {
		return fmt.Sprintf("channel(%d)", int(c))
	}
	return fmt.Sprintf("%s/%d", c.Role(), c.Number())
}

// ParseChannel maps a role name to its Channel. Matching ignores case.
func ParseChannel(role string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "client":
		return ClientRole, nil
	case "server":
		return ServerRole, nil
	}
	return 0, fmt.Errorf("rfcomm: unknown channel role %q", role)
}

// FormatAddr renders a kernel bdaddr (least significant byte first)
// as the usual colon separated upper-case form.
func FormatAddr(b [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}
