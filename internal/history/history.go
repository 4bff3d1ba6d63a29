// Package history maintains the rolling per-entity behavioral state that
// feature computation reads: a bounded, time-ordered window of recent events,
// cached velocity aggregates, and the sets of merchants/devices/IPs the
// entity has been seen with.
//
// Concurrency discipline: scoring for one entity is a read-then-append
// critical section. Callers acquire the entity's lock via Acquire, take a
// Snapshot, compute features and score, Append the event, then release.
// Different entities proceed in parallel.
package history

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tmarkov/fraudwatch/internal/event"
	"github.com/tmarkov/fraudwatch/internal/syncutil"
)

// Config bounds the state retained per entity.
type Config struct {
	// Window is how long events stay in the rolling sequence. Must cover the
	// longest feature window.
	Window time.Duration
	// MaxItems caps the event sequence length per entity.
	MaxItems int
	// RecentAmounts is how many prior transaction amounts are retained past
	// the window for the amount-spike comparison.
	RecentAmounts int
}

// DefaultConfig returns the standard bounds (1h window, from the longest
// velocity feature window).
func DefaultConfig() Config {
	return Config{
		Window:        time.Hour,
		MaxItems:      1000,
		RecentAmounts: 30,
	}
}

// Profile is a read-only snapshot of one entity's rolling state. The zero
// profile (no events, empty sets) is what an unseen entity yields.
type Profile struct {
	EntityID string

	// Events within the rolling window, oldest first.
	Events []event.Event

	// Cached aggregates over Events. Always consistent with the sequence.
	WindowCount int
	WindowSpend float64

	// Seen sets for novelty checks. Populated from every event ever appended
	// for this entity, not just the current window.
	Merchants map[string]struct{}
	Devices   map[string]struct{}
	IPs       map[string]struct{}

	// RecentAmounts holds the last N transaction amounts (oldest first),
	// retained beyond the window for median-based spike detection.
	RecentAmounts []float64
}

// Last returns the most recent event in the window, or nil.
func (p *Profile) Last() *event.Event {
	if len(p.Events) == 0 {
		return nil
	}
	return &p.Events[len(p.Events)-1]
}

// CountSince returns how many events have timestamps in [since, until).
func (p *Profile) CountSince(since, until time.Time) int {
	n := 0
	for i := len(p.Events) - 1; i >= 0; i-- {
		ts := p.Events[i].Timestamp
		if ts.Before(since) {
			break
		}
		if ts.Before(until) {
			n++
		}
	}
	return n
}

// SpendSince returns the sum of amounts for events in [since, until).
func (p *Profile) SpendSince(since, until time.Time) float64 {
	var sum float64
	for i := len(p.Events) - 1; i >= 0; i-- {
		ts := p.Events[i].Timestamp
		if ts.Before(since) {
			break
		}
		if ts.Before(until) {
			sum += p.Events[i].Amount
		}
	}
	return sum
}

// SeenMerchant reports whether the entity has used this merchant before.
func (p *Profile) SeenMerchant(id string) bool { _, ok := p.Merchants[id]; return ok }

// SeenDevice reports whether the entity has used this device before.
func (p *Profile) SeenDevice(id string) bool { _, ok := p.Devices[id]; return ok }

// SeenIP reports whether the entity has used this IP before.
func (p *Profile) SeenIP(ip string) bool { _, ok := p.IPs[ip]; return ok }

// MedianRecentAmount returns the median of the retained prior amounts and
// how many there are. Median is 0 when no amounts are retained.
func (p *Profile) MedianRecentAmount() (float64, int) {
	n := len(p.RecentAmounts)
	if n == 0 {
		return 0, 0
	}
	vals := make([]float64, n)
	copy(vals, p.RecentAmounts)
	sort.Float64s(vals)
	return vals[n/2], n
}

// profileState is the mutable state behind a Profile. Mutated only while the
// entity lock is held; the store map lock only guards map access.
type profileState struct {
	events        []event.Event
	eventIDs      map[string]struct{} // ids currently in the window, for dedupe
	windowSpend   float64
	merchants     map[string]struct{}
	devices       map[string]struct{}
	ips           map[string]struct{}
	recentAmounts []float64
}

func newProfileState() *profileState {
	return &profileState{
		eventIDs:  make(map[string]struct{}),
		merchants: make(map[string]struct{}),
		devices:   make(map[string]struct{}),
		ips:       make(map[string]struct{}),
	}
}

// Store is the keyed entity-history store. The map lock only guards profile
// lookup; per-entity mutation is serialized by the sharded entity locks.
type Store struct {
	cfg      Config
	locks    *syncutil.ContextShardedMutex
	mapMu    sync.RWMutex
	profiles map[string]*profileState
	onRepair func(entityID string)
}

// Option configures the store.
type Option func(*Store)

// WithRepairCallback invokes fn whenever an aggregate inconsistency was
// detected and repaired for an entity.
func WithRepairCallback(fn func(entityID string)) Option {
	return func(s *Store) { s.onRepair = fn }
}

// NewStore creates an entity history store.
func NewStore(cfg Config, opts ...Option) *Store {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 1000
	}
	if cfg.RecentAmounts <= 0 {
		cfg.RecentAmounts = 30
	}
	s := &Store{
		cfg:   cfg,
		locks: syncutil.NewContextShardedMutex(),
	}
	s.profiles = make(map[string]*profileState)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire takes the exclusive per-entity lock for a read-then-append section.
// The returned release function must be called exactly once.
func (s *Store) Acquire(ctx context.Context, entityID string) (func(), error) {
	return s.locks.LockContext(ctx, entityID)
}

// Snapshot returns a consistent read-only copy of the entity's profile.
// Unknown entities yield an empty profile, never an error. On a shared store
// callers must hold the entity lock: Append mutates the profile in place, so
// an unlocked Snapshot races with concurrent writers.
func (s *Store) Snapshot(entityID string) *Profile {
	st := s.get(entityID)
	p := &Profile{
		EntityID:  entityID,
		Merchants: make(map[string]struct{}),
		Devices:   make(map[string]struct{}),
		IPs:       make(map[string]struct{}),
	}
	if st == nil {
		return p
	}

	p.Events = make([]event.Event, len(st.events))
	copy(p.Events, st.events)
	p.WindowCount = len(st.events)
	p.WindowSpend = st.windowSpend
	for k := range st.merchants {
		p.Merchants[k] = struct{}{}
	}
	for k := range st.devices {
		p.Devices[k] = struct{}{}
	}
	for k := range st.ips {
		p.IPs[k] = struct{}{}
	}
	p.RecentAmounts = make([]float64, len(st.recentAmounts))
	copy(p.RecentAmounts, st.recentAmounts)
	return p
}

// Append inserts the event into the entity's window in time order, evicts
// entries older than the window relative to the newest event, and updates
// the cached aggregates and seen sets. Returns event.ErrDuplicate when the
// event id is already present in the window (duplicate delivery must not
// double-count velocity aggregates).
//
// Callers must hold the entity lock.
func (s *Store) Append(entityID string, ev event.Event) error {
	st := s.getOrCreate(entityID)

	if _, dup := st.eventIDs[ev.ID]; dup {
		return event.ErrDuplicate
	}

	// Defensive invariant check before mutating: cached spend must match the
	// sequence. A mismatch means prior state corruption; rebuild instead of
	// failing the request.
	if !aggregatesConsistent(st) {
		rebuildAggregates(st)
		if s.onRepair != nil {
			s.onRepair(entityID)
		}
	}

	// Insert in time order. Events usually arrive in order, so scan from the
	// tail.
	i := len(st.events)
	for i > 0 && st.events[i-1].Timestamp.After(ev.Timestamp) {
		i--
	}
	st.events = append(st.events, event.Event{})
	copy(st.events[i+1:], st.events[i:])
	st.events[i] = ev
	st.eventIDs[ev.ID] = struct{}{}
	st.windowSpend += ev.Amount

	st.merchants[ev.MerchantID] = struct{}{}
	st.devices[ev.DeviceID] = struct{}{}
	st.ips[ev.IP] = struct{}{}

	st.recentAmounts = append(st.recentAmounts, ev.Amount)
	if len(st.recentAmounts) > s.cfg.RecentAmounts {
		st.recentAmounts = st.recentAmounts[len(st.recentAmounts)-s.cfg.RecentAmounts:]
	}

	s.evict(st)
	return nil
}

// evict drops events older than the window relative to the newest event and
// enforces the size cap, keeping aggregates in step.
func (s *Store) evict(st *profileState) {
	if len(st.events) == 0 {
		return
	}
	cutoff := st.events[len(st.events)-1].Timestamp.Add(-s.cfg.Window)
	start := 0
	for start < len(st.events) && !st.events[start].Timestamp.After(cutoff) {
		st.windowSpend -= st.events[start].Amount
		delete(st.eventIDs, st.events[start].ID)
		start++
	}
	if start > 0 {
		st.events = append([]event.Event(nil), st.events[start:]...)
	}
	if len(st.events) > s.cfg.MaxItems {
		drop := len(st.events) - s.cfg.MaxItems
		for i := 0; i < drop; i++ {
			st.windowSpend -= st.events[i].Amount
			delete(st.eventIDs, st.events[i].ID)
		}
		st.events = append([]event.Event(nil), st.events[drop:]...)
	}
	// Guard against float drift on long-lived windows.
	if st.windowSpend < 0 && st.windowSpend > -1e-6 {
		st.windowSpend = 0
	}
}

// aggregatesConsistent verifies the cached spend and dedupe set against the
// event sequence.
func aggregatesConsistent(st *profileState) bool {
	if len(st.eventIDs) != len(st.events) {
		return false
	}
	var sum float64
	for i := range st.events {
		sum += st.events[i].Amount
	}
	return math.Abs(sum-st.windowSpend) < 1e-6
}

// rebuildAggregates recomputes all cached aggregates from the sequence.
func rebuildAggregates(st *profileState) {
	st.windowSpend = 0
	st.eventIDs = make(map[string]struct{}, len(st.events))
	for i := range st.events {
		st.windowSpend += st.events[i].Amount
		st.eventIDs[st.events[i].ID] = struct{}{}
	}
}

func (s *Store) get(entityID string) *profileState {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	return s.profiles[entityID]
}

func (s *Store) getOrCreate(entityID string) *profileState {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	st, ok := s.profiles[entityID]
	if !ok {
		st = newProfileState()
		s.profiles[entityID] = st
	}
	return st
}

// Entities returns the number of entities currently tracked.
func (s *Store) Entities() int {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	return len(s.profiles)
}

// Config returns the store's retention bounds, for building replay stores
// with matching feature semantics.
func (s *Store) Config() Config {
	return s.cfg
}
