// Package kb holds the fleet registry: the authoritative, telemetry-fed view
// of every configured unit.
package kb

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/amr-fleet/model"
)

var (
	// ErrUnknownUnit is returned for ids outside the configured roster.
	ErrUnknownUnit = errors.New("unknown unit")
	// ErrInvalidRoster is returned when the roster is empty or has duplicates.
	ErrInvalidRoster = errors.New("invalid roster")
	// ErrNotControllable is returned when activity telemetry targets a monitored unit.
	ErrNotControllable = errors.New("unit is not controllable")
)

// MetricsRecorder receives registry counters. The Prometheus collector in
// internal/observability satisfies it.
type MetricsRecorder interface {
	RecordTelemetryApplied(unitID string)
	RecordStaleTelemetry(unitID string)
}

// Option configures a FleetRegistry.
type Option func(*FleetRegistry)

// WithMetricsRecorder wires a recorder for applied/stale counters.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(r *FleetRegistry) { r.metrics = m }
}

// FleetRegistry owns one UnitState per configured unit. Mutations are
// serialised by mu; readers load an immutable snapshot without locking.
type FleetRegistry struct {
	mu sync.Mutex

	controllable string
	order        []string
	index        map[string]int
	units        []model.UnitState

	snap  atomic.Pointer[[]model.UnitState]
	stale atomic.Uint64

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(model.UnitState)

	// notifyMu serialises observer deliveries in the order updates were
	// applied. Lock order is mu then notifyMu.
	notifyMu sync.Mutex

	metrics MetricsRecorder
}

// NewFleetRegistry builds a registry for the controllable unit followed by
// the monitored roster, in that order. All units start NotFound and Idle.
func NewFleetRegistry(controllable string, monitored []string, opts ...Option) (*FleetRegistry, error) {
	ids := append([]string{controllable}, monitored...)
	if err := ValidateRoster(ids); err != nil {
		return nil, err
	}

	r := &FleetRegistry{
		controllable: controllable,
		order:        ids,
		index:        make(map[string]int, len(ids)),
		units:        make([]model.UnitState, len(ids)),
		subs:         make(map[int]func(model.UnitState)),
	}
	for i, id := range ids {
		r.index[id] = i
		r.units[i] = model.UnitState{
			ID:           id,
			Controllable: id == controllable,
			Detection:    model.NotFound,
			Activity:     model.Idle,
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	r.publishLocked()
	return r, nil
}

// ValidateRoster rejects empty, blank and duplicate identifiers.
func ValidateRoster(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no units configured", ErrInvalidRoster)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty unit id", ErrInvalidRoster)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate unit id %q", ErrInvalidRoster, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// ApplyTelemetry merges the present fields of delta into the named unit.
// A delta not strictly newer than the unit's LastUpdated is dropped and
// reported as (false, nil).
func (r *FleetRegistry) ApplyTelemetry(delta model.TelemetryDelta) (bool, error) {
	r.mu.Lock()
	i, ok := r.index[delta.UnitID]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrUnknownUnit, delta.UnitID)
	}
	cur := r.units[i]
	if !cur.Controllable && (delta.Activity != nil || delta.Progress != nil) {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrNotControllable, delta.UnitID)
	}
	if !delta.Timestamp.After(cur.LastUpdated) {
		r.mu.Unlock()
		r.stale.Add(1)
		if r.metrics != nil {
			r.metrics.RecordStaleTelemetry(delta.UnitID)
		}
		return false, nil
	}

	next := cur
	if delta.Detection != nil {
		next.Detection = *delta.Detection
	}
	if delta.Pose != nil {
		next.Pose = model.NewPose(delta.Pose.X, delta.Pose.Y, delta.Pose.Theta)
	}
	if delta.Activity != nil {
		next.Activity = *delta.Activity
	}
	if delta.Progress != nil {
		next.Progress = clamp01(*delta.Progress)
	}
	next.LastUpdated = delta.Timestamp
	r.units[i] = next
	r.publishLocked()
	// Taken before mu is released so observers see updates in apply order.
	r.notifyMu.Lock()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordTelemetryApplied(delta.UnitID)
	}
	r.notifyLocked(next)
	r.notifyMu.Unlock()
	return true, nil
}

// Get returns the current state of a unit.
func (r *FleetRegistry) Get(id string) (model.UnitState, error) {
	units := *r.snap.Load()
	for _, u := range units {
		if u.ID == id {
			return u, nil
		}
	}
	return model.UnitState{}, fmt.Errorf("%w: %q", ErrUnknownUnit, id)
}

// List returns every unit in configuration order. The slice is a copy.
func (r *FleetRegistry) List() []model.UnitState {
	units := *r.snap.Load()
	out := make([]model.UnitState, len(units))
	copy(out, units)
	return out
}

// Controllable returns the state of the controllable unit.
func (r *FleetRegistry) Controllable() model.UnitState {
	return (*r.snap.Load())[0]
}

// ControllableID returns the configured controllable unit id.
func (r *FleetRegistry) ControllableID() string { return r.controllable }

// Monitored returns the monitored unit ids in configuration order.
func (r *FleetRegistry) Monitored() []string {
	return append([]string(nil), r.order[1:]...)
}

// StaleCount is the number of deltas dropped as out of order.
func (r *FleetRegistry) StaleCount() uint64 { return r.stale.Load() }

// Subscribe registers an onUnitChanged callback. Callbacks run synchronously
// on the ingest path after the registry lock is released and must return quickly.
func (r *FleetRegistry) Subscribe(fn func(model.UnitState)) (unsubscribe func()) {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

// notifyLocked runs every subscriber with u. Caller holds notifyMu.
func (r *FleetRegistry) notifyLocked(u model.UnitState) {
	r.subMu.Lock()
	subs := make([]func(model.UnitState), 0, len(r.subs))
	for id := 0; id < r.nextID; id++ {
		if fn, ok := r.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	r.subMu.Unlock()

	for _, fn := range subs {
		fn(u)
	}
}

// publishLocked swaps in a fresh immutable snapshot. Caller must hold r.mu.
func (r *FleetRegistry) publishLocked() {
	snap := make([]model.UnitState, len(r.units))
	copy(snap, r.units)
	r.snap.Store(&snap)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
