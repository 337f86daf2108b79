//go:build linux

package connmgr

import (
	"context"
	"testing"

	dbus "github.com/godbus/dbus/v5"

	"syncml-bt/internal/rfcomm"
	"syncml-bt/internal/sdp"
)

func TestMacFromPath(t *testing.T) {
	tests := []struct {
		path dbus.ObjectPath
		want string
	}{
		{"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", "AA:BB:CC:DD:EE:FF"},
		{"/org/bluez/hci1/dev_00_11_22_33_44_55", "00:11:22:33:44:55"},
		{"/org/bluez/hci0", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := macFromPath(tt.path); got != tt.want {
			t.Errorf("macFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

type recordingEvents struct {
	released    []rfcomm.Channel
	disconnects []string
	connections []int
}

func (r *recordingEvents) NewConnection(_ rfcomm.Channel, fd int, _ string) {
	r.connections = append(r.connections, fd)
}

func (r *recordingEvents) RequestDisconnection(_ rfcomm.Channel, address string) {
	r.disconnects = append(r.disconnects, address)
}

func (r *recordingEvents) Release(ch rfcomm.Channel) { r.released = append(r.released, ch) }

func TestProfileForwardsToSubscriber(t *testing.T) {
	b := NewBlueZ()
	ev := &recordingEvents{}
	b.Subscribe(ev)
	p := &profile{b: b, ch: rfcomm.ServerRole, path: DefaultProfilePath + "/server"}

	if err := p.RequestDisconnection("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"); err != nil {
		t.Fatalf("RequestDisconnection() = %v", err)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release() = %v", err)
	}
	if len(ev.disconnects) != 1 || ev.disconnects[0] != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("disconnects = %v", ev.disconnects)
	}
	if len(ev.released) != 1 || ev.released[0] != rfcomm.ServerRole {
		t.Errorf("released = %v", ev.released)
	}
}

func TestClosedBlueZRefusesCalls(t *testing.T) {
	b := NewBlueZ()
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if err := b.Ready(context.Background(), func(Readiness) {}); err == nil {
		t.Error("Ready() on closed adapter succeeded")
	}
	if err := b.RegisterProfile(context.Background(), sdp.Profile{Channel: rfcomm.ClientRole}); err == nil {
		t.Error("RegisterProfile() on closed adapter succeeded")
	}
}
