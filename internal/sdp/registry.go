package sdp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"syncml-bt/internal/rfcomm"
)

// ErrProfileRegistration is wrapped by failed Register and Unregister calls.
var ErrProfileRegistration = errors.New("sdp: profile registration failed")

// DefaultCallTimeout bounds each synchronous adapter call.
const DefaultCallTimeout = 5 * time.Second

// Profile describes one profile handed to the adapter for registration.
type Profile struct {
	Channel               rfcomm.Channel
	UUID                  string
	Name                  string
	ServiceRecord         string
	RequireAuthentication bool
	RequireAuthorization  bool
}

// Adapter is the part of the Bluetooth adapter collaborator the registry
// needs. Every call blocks until the adapter replies or ctx ends.
type Adapter interface {
	AdvertisedUUIDs(ctx context.Context) ([]string, error)
	RegisterProfile(ctx context.Context, p Profile) error
	UnregisterProfile(ctx context.Context, uuid string) error
}

// Record is the registry's view of one channel's service record.
type Record struct {
	Channel    rfcomm.Channel
	UUID       string
	Payload    []byte
	Registered bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithRecordDir sets the directory record files are read from.
func WithRecordDir(dir string) Option {
	return func(r *Registry) { r.dir = dir }
}

// WithCallTimeout bounds each adapter call.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithAuth sets the authentication and authorization requirements passed
// along with every profile.
func WithAuth(authentication, authorization bool) Option {
	return func(r *Registry) {
		r.authentication = authentication
		r.authorization = authorization
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// Registry registers and unregisters the SyncML SDP profiles.
// It is not safe for concurrent use.
type Registry struct {
	adapter        Adapter
	dir            string
	timeout        time.Duration
	authentication bool
	authorization  bool
	log            *zap.Logger
	records        map[rfcomm.Channel]*Record
}

// NewRegistry returns a Registry that talks to a.
func NewRegistry(a Adapter, opts ...Option) *Registry {
	r := &Registry{
		adapter:        a,
		dir:            DefaultRecordDir,
		timeout:        DefaultCallTimeout,
		authentication: true,
		log:            zap.NewNop(),
		records:        make(map[rfcomm.Channel]*Record),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) record(ch rfcomm.Channel) *Record {
	rec, ok := r.records[ch]
	if !ok {
		rec = &Record{Channel: ch, UUID: UUIDFor(ch)}
		r.records[ch] = rec
	}
	return rec
}

// LoadOrDefault reads the record file for ch. A missing, unreadable or
// inconsistent file falls back to the compiled-in record.
func (r *Registry) LoadOrDefault(ch rfcomm.Channel) []byte {
	path := filepath.Join(r.dir, FileFor(ch))
	log := r.log.With(zap.Stringer("channel", ch), zap.String("path", path))

	payload, err := os.ReadFile(path)
	if err != nil {
		log.Warn("unable to read service record file, using default", zap.Error(err))
		return r.keep(ch, DefaultRecord(ch))
	}
	info, err := ParseRecord(payload)
	if err != nil {
		log.Warn("invalid service record file, using default", zap.Error(err))
		return r.keep(ch, DefaultRecord(ch))
	}
	if !SameUUID(info.UUID, UUIDFor(ch)) || info.Channel != ch.Number() {
		log.Warn("service record file does not match channel, using default",
			zap.String("uuid", info.UUID), zap.Uint8("rfcomm_channel", info.Channel))
		return r.keep(ch, DefaultRecord(ch))
	}
	log.Debug("loaded service record", zap.String("name", info.Name))
	return r.keep(ch, payload)
}

func (r *Registry) keep(ch rfcomm.Channel, payload []byte) []byte {
	r.record(ch).Payload = payload
	return payload
}

// advertised asks the adapter whether it already advertises ch's uuid.
func (r *Registry) advertised(ctx context.Context, ch rfcomm.Channel) (bool, error) {
	uuids, err := r.adapter.AdvertisedUUIDs(ctx)
	if err != nil {
		r.log.Warn("unable to query advertised uuids", zap.Stringer("channel", ch), zap.Error(err))
		return false, err
	}
	return ContainsUUID(uuids, UUIDFor(ch)), nil
}

// Register asks the adapter to advertise ch's profile with payload as its
// service record. It does nothing if the adapter already advertises the
// uuid. The caller decides whether a failure aborts startup.
func (r *Registry) Register(ctx context.Context, ch rfcomm.Channel, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec := r.record(ch)
	rec.Payload = payload
	log := r.log.With(zap.Stringer("channel", ch), zap.String("uuid", rec.UUID))

	// A failed query counts as not advertised.
	if ok, _ := r.advertised(ctx, ch); ok {
		rec.Registered = true
		log.Debug("profile already advertised, skipping registration")
		return nil
	}
	p := Profile{
		Channel:               ch,
		UUID:                  rec.UUID,
		Name:                  NameFor(ch),
		ServiceRecord:         string(payload),
		RequireAuthentication: r.authentication,
		RequireAuthorization:  r.authorization,
	}
	if err := r.adapter.RegisterProfile(ctx, p); err != nil {
		log.Warn("error registering profile", zap.Error(err))
		return fmt.Errorf("%w: register %s: %v", ErrProfileRegistration, ch, err)
	}
	rec.Registered = true
	log.Debug("profile registered")
	return nil
}

// Unregister withdraws ch's profile. It does nothing if the adapter does
// not advertise the uuid. If the adapter cannot be asked, a profile this
// registry registered is withdrawn anyway. Failures are logged; the
// returned error is for callers that care.
func (r *Registry) Unregister(ctx context.Context, ch rfcomm.Channel) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec := r.record(ch)
	log := r.log.With(zap.Stringer("channel", ch), zap.String("uuid", rec.UUID))

	ok, err := r.advertised(ctx, ch)
	if err != nil {
		ok = rec.Registered
	}
	if !ok {
		rec.Registered = false
		log.Debug("profile not advertised, skipping unregistration")
		return nil
	}
	if err := r.adapter.UnregisterProfile(ctx, rec.UUID); err != nil {
		log.Warn("unregister profile failed", zap.Error(err))
		return fmt.Errorf("%w: unregister %s: %v", ErrProfileRegistration, ch, err)
	}
	rec.Registered = false
	log.Debug("profile unregistered")
	return nil
}

// Lookup returns a copy of ch's record.
func (r *Registry) Lookup(ch rfcomm.Channel) (Record, bool) {
	rec, ok := r.records[ch]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns copies of every known record in channel order.
func (r *Registry) Records() []Record {
	var out []Record
	for _, ch := range rfcomm.Channels {
		if rec, ok := r.records[ch]; ok {
			out = append(out, *rec)
		}
	}
	return out
}
