package sdp

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"syncml-bt/internal/rfcomm"
)

// fakeAdapter advertises whatever has been registered with it.
type fakeAdapter struct {
	advertised   []string
	registered   []Profile
	unregistered []string
	registerErr  error
	queryErr     error
}

func (f *fakeAdapter) AdvertisedUUIDs(context.Context) ([]string, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return append([]string(nil), f.advertised...), nil
}

func (f *fakeAdapter) RegisterProfile(_ context.Context, p Profile) error {
	f.registered = append(f.registered, p)
	if f.registerErr != nil {
		return f.registerErr
	}
	f.advertised = append(f.advertised, p.UUID)
	return nil
}

func (f *fakeAdapter) UnregisterProfile(_ context.Context, uuid string) error {
	f.unregistered = append(f.unregistered, uuid)
	kept := f.advertised[:0]
	for _, u := range f.advertised {
		if !SameUUID(u, uuid) {
			kept = append(kept, u)
		}
	}
	f.advertised = kept
	return nil
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	custom := bytes.Replace(DefaultRecord(rfcomm.ServerRole), []byte("SyncML Server"), []byte("Custom Server"), 1)
	if err := os.WriteFile(filepath.Join(dir, ServerRecordFile), custom, 0o644); err != nil {
		t.Fatal(err)
	}
	mismatched := DefaultRecord(rfcomm.ServerRole) // server record in the client file
	if err := os.WriteFile(filepath.Join(dir, ClientRecordFile), mismatched, 0o644); err != nil {
		t.Fatal(err)
	}

	core, logs := observer.New(zapcore.WarnLevel)
	r := NewRegistry(&fakeAdapter{}, WithRecordDir(dir), WithLogger(zap.New(core)))

	if got := r.LoadOrDefault(rfcomm.ServerRole); !bytes.Equal(got, custom) {
		t.Errorf("LoadOrDefault(server) did not return the file contents")
	}
	if got := r.LoadOrDefault(rfcomm.ClientRole); !bytes.Equal(got, DefaultRecord(rfcomm.ClientRole)) {
		t.Errorf("LoadOrDefault(client) with mismatched file did not fall back")
	}
	if logs.FilterMessage("service record file does not match channel, using default").Len() != 1 {
		t.Errorf("mismatch not logged: %v", logs.All())
	}
}

func TestLoadOrDefaultMissingDir(t *testing.T) {
	r := NewRegistry(&fakeAdapter{}, WithRecordDir(filepath.Join(t.TempDir(), "absent")))
	for _, ch := range rfcomm.Channels {
		got := r.LoadOrDefault(ch)
		if !bytes.Equal(got, DefaultRecord(ch)) {
			t.Errorf("LoadOrDefault(%v) = %q, want default", ch, got)
		}
		rec, ok := r.Lookup(ch)
		if !ok || !bytes.Equal(rec.Payload, got) {
			t.Errorf("Lookup(%v) = %+v, %v", ch, rec, ok)
		}
	}
}

func TestLoadOrDefaultInvalidXML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ClientRecordFile), []byte("<record>"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(&fakeAdapter{}, WithRecordDir(dir))
	if got := r.LoadOrDefault(rfcomm.ClientRole); !bytes.Equal(got, DefaultRecord(rfcomm.ClientRole)) {
		t.Errorf("LoadOrDefault() with invalid xml did not fall back")
	}
}

func TestRegisterSkipsAdvertisedUUID(t *testing.T) {
	a := &fakeAdapter{advertised: []string{strings.ToUpper(ServerUUID)}}
	r := NewRegistry(a)
	payload := DefaultRecord(rfcomm.ServerRole)

	for i := 0; i < 2; i++ {
		if err := r.Register(context.Background(), rfcomm.ServerRole, payload); err != nil {
			t.Fatalf("Register() #%d error = %v", i, err)
		}
	}
	if len(a.registered) != 0 {
		t.Errorf("RegisterProfile called %d times, want 0", len(a.registered))
	}
	if rec, _ := r.Lookup(rfcomm.ServerRole); !rec.Registered {
		t.Error("record not marked registered")
	}
}

func TestRegisterTwiceCallsAdapterOnce(t *testing.T) {
	a := &fakeAdapter{}
	r := NewRegistry(a, WithAuth(true, false))
	payload := DefaultRecord(rfcomm.ClientRole)

	if err := r.Register(context.Background(), rfcomm.ClientRole, payload); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(context.Background(), rfcomm.ClientRole, payload); err != nil {
		t.Fatal(err)
	}
	if len(a.registered) != 1 {
		t.Fatalf("RegisterProfile called %d times, want 1", len(a.registered))
	}
	p := a.registered[0]
	if p.UUID != ClientUUID || p.Channel != rfcomm.ClientRole || p.Name != "SyncML Client" {
		t.Errorf("registered %+v", p)
	}
	if !p.RequireAuthentication || p.RequireAuthorization {
		t.Errorf("auth = %v/%v, want true/false", p.RequireAuthentication, p.RequireAuthorization)
	}
	if p.ServiceRecord != string(payload) {
		t.Error("service record not passed through")
	}
}

func TestRegisterFailure(t *testing.T) {
	a := &fakeAdapter{registerErr: errors.New("org.bluez.Error.AlreadyExists")}
	r := NewRegistry(a)
	err := r.Register(context.Background(), rfcomm.ServerRole, DefaultRecord(rfcomm.ServerRole))
	if !errors.Is(err, ErrProfileRegistration) {
		t.Fatalf("Register() error = %v, want ErrProfileRegistration", err)
	}
	if rec, _ := r.Lookup(rfcomm.ServerRole); rec.Registered {
		t.Error("failed registration marked registered")
	}
}

func TestRegisterQueryFailureStillRegisters(t *testing.T) {
	a := &fakeAdapter{queryErr: errors.New("no adapter")}
	r := NewRegistry(a)
	if err := r.Register(context.Background(), rfcomm.ClientRole, DefaultRecord(rfcomm.ClientRole)); err != nil {
		t.Fatal(err)
	}
	if len(a.registered) != 1 {
		t.Errorf("RegisterProfile called %d times, want 1", len(a.registered))
	}
}

func TestUnregister(t *testing.T) {
	a := &fakeAdapter{}
	r := NewRegistry(a)

	// Nothing advertised: skipped.
	if err := r.Unregister(context.Background(), rfcomm.ClientRole); err != nil {
		t.Fatal(err)
	}
	if len(a.unregistered) != 0 {
		t.Fatalf("UnregisterProfile called for absent uuid")
	}

	if err := r.Register(context.Background(), rfcomm.ClientRole, DefaultRecord(rfcomm.ClientRole)); err != nil {
		t.Fatal(err)
	}
	if err := r.Unregister(context.Background(), rfcomm.ClientRole); err != nil {
		t.Fatal(err)
	}
	if len(a.unregistered) != 1 || a.unregistered[0] != ClientUUID {
		t.Errorf("unregistered = %v", a.unregistered)
	}
	if rec, _ := r.Lookup(rfcomm.ClientRole); rec.Registered {
		t.Error("record still marked registered")
	}
	if got := r.Records(); len(got) != 1 || got[0].Channel != rfcomm.ClientRole {
		t.Errorf("Records() = %+v", got)
	}
}

func TestUnregisterQueryFailure(t *testing.T) {
	a := &fakeAdapter{}
	r := NewRegistry(a)
	if err := r.Register(context.Background(), rfcomm.ServerRole, DefaultRecord(rfcomm.ServerRole)); err != nil {
		t.Fatal(err)
	}
	a.queryErr = errors.New("no adapter")

	// Registered by this registry: withdrawn without asking.
	if err := r.Unregister(context.Background(), rfcomm.ServerRole); err != nil {
		t.Fatal(err)
	}
	if len(a.unregistered) != 1 || a.unregistered[0] != ServerUUID {
		t.Fatalf("unregistered = %v, want [%s]", a.unregistered, ServerUUID)
	}

	// Never registered here: skipped.
	if err := r.Unregister(context.Background(), rfcomm.ClientRole); err != nil {
		t.Fatal(err)
	}
	if len(a.unregistered) != 1 {
		t.Errorf("UnregisterProfile called for a profile never registered: %v", a.unregistered)
	}
}
