package rfcomm

import "testing"

func TestChannelNumbers(t *testing.T) {
	tests := []struct {
		ch     Channel
		number uint8
		role   string
		str    string
	}{
		{ClientRole, 25, "client", "client/25"},
		{ServerRole, 26, "server", "server/26"},
		{Channel(7), 0, "", "channel(7)"},
	}
	for _, tt := range tests {
		if got := tt.ch.Number(); got != tt.number {
			t.Errorf("%v.Number() = %d, want %d", tt.ch, got, tt.number)
		}
		if got := tt.ch.Role(); got != tt.role {
			t.Errorf("%v.Role() = %q, want %q", tt.ch, got, tt.role)
		}
		if got := tt.ch.String(); got != tt.str {
			t.Errorf("String() = %q, want %q", got, tt.str)
		}
	}
}

func TestParseChannel(t *testing.T) {
	for in, want := range map[string]Channel{"client": ClientRole, " Server ": ServerRole} {
		got, err := ParseChannel(in)
		if err != nil || got != want {
			t.Errorf("ParseChannel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseChannel("peer"); err == nil {
		t.Error("ParseChannel(peer) succeeded")
	}
}

func TestFormatAddr(t *testing.T) {
	got := FormatAddr([6]byte{0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa})
	if got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("FormatAddr() = %q", got)
	}
}
