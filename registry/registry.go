// Package registry is the in-memory table of known devices. It is the single
// source of truth for trust and connection state and serializes every mutation.
package registry

import (
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"lanlink/logging"
	"lanlink/models"
)

var (
	// ErrBusy is returned when a handshake or active connection already exists.
	ErrBusy = errors.New("registry: busy")
	// ErrUnknownDevice is returned for device ids without a record.
	ErrUnknownDevice = errors.New("registry: unknown device")
	// ErrStaleToken is returned when a handshake token no longer owns its record.
	ErrStaleToken = errors.New("registry: stale handshake token")
)

const defaultEventBuffer = 64

// Options configures a Registry.
type Options struct {
	Logger      *zap.Logger
	Now         func() time.Time
	EventBuffer int
}

// Token is the exclusive right to run one handshake for one device.
type Token struct {
	deviceID string
	seq      uint64
}

// DeviceID returns the device the token was issued for.
func (t *Token) DeviceID() string {
	if t == nil {
		return ""
	}
	return t.deviceID
}

type entry struct {
	record Record
	token  uint64
	// dialing is set while the outstanding token belongs to a local dial.
	dialing bool
}

// Registry tracks known devices keyed by device id.
type Registry struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	devices map[string]*entry
	seq     uint64

	events chan Event
}

// New creates an empty registry.
func New(options Options) *Registry {
	logger := logging.OrNop(options.Logger)
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.EventBuffer <= 0 {
		options.EventBuffer = defaultEventBuffer
	}

	return &Registry{
		logger:  logger.With(zap.String("component", "registry")),
		now:     options.Now,
		devices: make(map[string]*entry),
		events:  make(chan Event, options.EventBuffer),
	}
}

// Events returns registry change notifications. Events are dropped when the
// channel is full so a slow consumer never blocks registry mutations.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Observe records a sighting of a device. Unseen devices are created with
// trust Unknown and connection Disconnected; known devices only get their
// address, name and announced TCP port refreshed.
func (r *Registry) Observe(identity models.DeviceIdentity, addr netip.AddrPort) {
	if identity.DeviceID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.devices[identity.DeviceID]
	if !ok {
		e = &entry{record: Record{
			Identity:   identity.Clone(),
			Address:    addr,
			Trust:      TrustUnknown,
			Connection: Disconnected,
			LastSeen:   now,
		}}
		r.devices[identity.DeviceID] = e
		r.logger.Debug("device added",
			zap.String("device_id", identity.DeviceID),
			zap.String("device_name", identity.DeviceName),
			zap.Stringer("address", addr),
		)
		r.emitLocked(EventAdded, e)
		return
	}

	changed := false
	if addr.IsValid() && e.record.Address != addr {
		e.record.Address = addr
		changed = true
	}
	if identity.DeviceName != "" && e.record.Identity.DeviceName != identity.DeviceName {
		e.record.Identity.DeviceName = identity.DeviceName
		changed = true
	}
	if identity.TCPPort > 0 && e.record.Identity.TCPPort != identity.TCPPort {
		e.record.Identity.TCPPort = identity.TCPPort
		changed = true
	}
	if e.record.Identity.ProtocolVersion == 0 && identity.ProtocolVersion != 0 {
		// Records seeded from the trust store carry no announced identity yet.
		name := e.record.Identity.DeviceName
		e.record.Identity = identity.Clone()
		if identity.DeviceName == "" {
			e.record.Identity.DeviceName = name
		}
		changed = true
	}
	e.record.LastSeen = now
	if changed {
		r.emitLocked(EventUpdated, e)
	}
}

// Trust seeds a Paired record from persisted trust, e.g. at startup.
func (r *Registry) Trust(identity models.DeviceIdentity, fingerprint string) {
	if identity.DeviceID == "" || fingerprint == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[identity.DeviceID]
	if !ok {
		e = &entry{record: Record{
			Identity:   identity.Clone(),
			Connection: Disconnected,
			LastSeen:   r.now(),
		}}
		r.devices[identity.DeviceID] = e
	}
	e.record.Trust = TrustPaired
	e.record.PairDirection = PairNone
	e.record.Fingerprint = fingerprint
	r.emitLocked(EventTrustChanged, e)
}

// Get returns a copy of the record for deviceID.
func (r *Registry) Get(deviceID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[deviceID]
	if !ok {
		return Record{}, false
	}
	return e.snapshot(), true
}

// List returns copies of every record ordered by device id.
func (r *Registry) List() []Record {
	r.mu.Lock()
	records := make([]Record, 0, len(r.devices))
	for _, e := range r.devices {
		records = append(records, e.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].Identity.DeviceID < records[j].Identity.DeviceID
	})
	return records
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// BeginHandshake reserves deviceID for one handshake attempt. It fails with
// ErrBusy while another handshake is outstanding or a connection is Active.
func (r *Registry) BeginHandshake(deviceID string) (*Token, error) {
	return r.begin(deviceID, false)
}

// BeginDial is BeginHandshake for an attempt the local device initiated. Only
// dial tokens can be taken over by SupersedeDial.
func (r *Registry) BeginDial(deviceID string) (*Token, error) {
	return r.begin(deviceID, true)
}

// SupersedeDial revokes an outstanding dial token for deviceID and reserves
// the record for the caller instead. The revoked token turns stale. It fails
// with ErrBusy when the record is Active or the outstanding attempt is not a
// dial.
func (r *Registry) SupersedeDial(deviceID string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[deviceID]
	if !ok {
		return nil, ErrUnknownDevice
	}
	if e.record.Connection == Active || (e.token != 0 && !e.dialing) {
		return nil, ErrBusy
	}
	if e.token != 0 {
		r.logger.Debug("dial superseded by inbound handshake", zap.String("device_id", deviceID))
	}
	return r.issueLocked(e, deviceID, false), nil
}

func (r *Registry) begin(deviceID string, dialing bool) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[deviceID]
	if !ok {
		return nil, ErrUnknownDevice
	}
	if e.token != 0 || e.record.Connection == Active {
		return nil, ErrBusy
	}
	return r.issueLocked(e, deviceID, dialing), nil
}

func (r *Registry) issueLocked(e *entry, deviceID string, dialing bool) *Token {
	r.seq++
	e.token = r.seq
	e.dialing = dialing
	e.record.Connection = Identifying
	r.emitLocked(EventConnectionChanged, e)
	return &Token{deviceID: deviceID, seq: e.token}
}

// Advance moves a handshake in progress to an intermediate connection state.
func (r *Registry) Advance(token *Token, state ConnectionState) error {
	if state == Active || state == Disconnected {
		return errors.New("registry: use CompleteHandshake to finish a handshake")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.ownedLocked(token)
	if err != nil {
		return err
	}
	if e.record.Connection != state {
		e.record.Connection = state
		r.emitLocked(EventConnectionChanged, e)
	}
	return nil
}

// MarkPairRequested records a pending pair request. Paired records are left alone.
func (r *Registry) MarkPairRequested(token *Token, direction PairDirection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.ownedLocked(token)
	if err != nil {
		return err
	}
	if e.record.Trust == TrustPaired {
		return nil
	}
	e.record.Trust = TrustPairRequested
	e.record.PairDirection = direction
	r.emitLocked(EventTrustChanged, e)
	return nil
}

// CompleteHandshake releases token. A successful outcome makes the device
// Paired and Active with the verified fingerprint; any failure returns the
// connection to Disconnected.
func (r *Registry) CompleteHandshake(token *Token, outcome Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.ownedLocked(token)
	if err != nil {
		return err
	}
	e.token = 0
	e.dialing = false

	if outcome.Err != nil {
		e.record.Connection = Disconnected
		switch {
		case outcome.Rejected && e.record.Trust != TrustPaired:
			e.record.Trust = TrustRejected
			e.record.PairDirection = PairNone
		case e.record.Trust == TrustPairRequested:
			e.record.Trust = TrustUnknown
			e.record.PairDirection = PairNone
		}
		r.logger.Debug("handshake failed",
			zap.String("device_id", token.deviceID),
			zap.Stringer("trust", e.record.Trust),
			zap.Error(outcome.Err),
		)
		r.emitLocked(EventConnectionChanged, e)
		return nil
	}

	if outcome.Fingerprint == "" {
		e.record.Connection = Disconnected
		r.emitLocked(EventConnectionChanged, e)
		return errors.New("registry: successful handshake without fingerprint")
	}

	trustChanged := e.record.Trust != TrustPaired || e.record.Fingerprint != outcome.Fingerprint
	e.record.Trust = TrustPaired
	e.record.PairDirection = PairNone
	e.record.Fingerprint = outcome.Fingerprint
	e.record.Connection = Active
	e.record.LastSeen = r.now()
	if trustChanged {
		r.emitLocked(EventTrustChanged, e)
	}
	r.emitLocked(EventConnectionChanged, e)
	return nil
}

// OnDisconnect moves an Active device back to Disconnected. Trust is kept.
func (r *Registry) OnDisconnect(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[deviceID]
	if !ok || e.record.Connection != Active {
		return
	}
	e.record.Connection = Disconnected
	e.record.LastSeen = r.now()
	r.emitLocked(EventConnectionChanged, e)
}

// Unpair demotes a device to Unknown and forgets its fingerprint. This is the
// only way out of TrustPaired besides a new handshake.
func (r *Registry) Unpair(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[deviceID]
	if !ok {
		return ErrUnknownDevice
	}
	if e.record.Trust == TrustUnknown && e.record.Fingerprint == "" {
		return nil
	}
	e.record.Trust = TrustUnknown
	e.record.PairDirection = PairNone
	e.record.Fingerprint = ""
	r.emitLocked(EventTrustChanged, e)
	return nil
}

// EvictStale removes devices not sighted within maxSilence. Active devices,
// devices mid-handshake and paired devices are kept. It returns the removed ids.
func (r *Registry) EvictStale(maxSilence time.Duration) []string {
	if maxSilence <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxSilence)
	var removed []string
	for id, e := range r.devices {
		if e.token != 0 || e.record.Connection != Disconnected || e.record.Trust == TrustPaired {
			continue
		}
		if e.record.LastSeen.After(cutoff) {
			continue
		}
		delete(r.devices, id)
		removed = append(removed, id)
		r.emitLocked(EventRemoved, e)
	}

	sort.Strings(removed)
	if len(removed) > 0 {
		r.logger.Debug("evicted stale devices", zap.Strings("device_ids", removed))
	}
	return removed
}

func (r *Registry) ownedLocked(token *Token) (*entry, error) {
	if token == nil {
		return nil, ErrStaleToken
	}
	e, ok := r.devices[token.deviceID]
	if !ok || e.token != token.seq {
		return nil, ErrStaleToken
	}
	return e, nil
}

func (r *Registry) emitLocked(kind EventKind, e *entry) {
	select {
	case r.events <- Event{Kind: kind, Record: e.snapshot()}:
	default:
	}
}

func (e *entry) snapshot() Record {
	rec := e.record
	rec.Identity = e.record.Identity.Clone()
	rec.Handshaking = e.token != 0
	return rec
}
