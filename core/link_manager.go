package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/amr-fleet/internal/logging"
	"github.com/signalsfoundry/amr-fleet/model"
)

// UnitReader is the read side of the fleet registry.
type UnitReader interface {
	Get(id string) (model.UnitState, error)
	ControllableID() string
}

// LinkManager tracks the single monitored unit paired with the controllable
// unit. Relinking requires an explicit Detach first.
type LinkManager struct {
	units UnitReader
	log   logging.Logger

	mu     sync.Mutex
	linked string

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(unitID string, linked bool)

	notifyMu sync.Mutex
}

// NewLinkManager creates an unlinked manager over units.
func NewLinkManager(units UnitReader, log logging.Logger) *LinkManager {
	if log == nil {
		log = logging.Noop()
	}
	return &LinkManager{
		units: units,
		log:   log,
		subs:  make(map[int]func(string, bool)),
	}
}

// CheckLink reports whether Link(id) would succeed right now, without
// changing anything.
func (m *LinkManager) CheckLink(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(id)
}

func (m *LinkManager) checkLocked(id string) error {
	u, err := m.units.Get(id)
	if err != nil {
		return err
	}
	if u.Controllable {
		return fmt.Errorf("%w: %q is the controllable unit", ErrInvalidCommand, id)
	}
	if m.linked != "" {
		return fmt.Errorf("%w: %q is linked", ErrAlreadyLinked, m.linked)
	}
	if !u.Detection.Detected() {
		return fmt.Errorf("%w: %q is %s", ErrNotDetected, id, u.Detection)
	}
	return nil
}

// Link pairs id with the controllable unit.
func (m *LinkManager) Link(id string) error {
	m.mu.Lock()
	if err := m.checkLocked(id); err != nil {
		m.mu.Unlock()
		return err
	}
	m.linked = id
	m.mu.Unlock()

	m.log.Info(context.Background(), "unit linked", logging.UnitID(id))
	m.notify(id, true)
	return nil
}

// Detach clears the link. Detaching with nothing linked is a no-op.
func (m *LinkManager) Detach() error {
	m.mu.Lock()
	prev := m.linked
	m.linked = ""
	m.mu.Unlock()

	if prev == "" {
		return nil
	}
	m.log.Info(context.Background(), "unit detached", logging.UnitID(prev))
	m.notify("", false)
	return nil
}

// Current returns the linked unit, if any.
func (m *LinkManager) Current() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linked, m.linked != ""
}

// Subscribe registers an onLinkChanged callback. It receives the newly
// linked id, or ("", false) after a detach.
func (m *LinkManager) Subscribe(fn func(unitID string, linked bool)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *LinkManager) notify(unitID string, linked bool) {
	m.subMu.Lock()
	subs := make([]func(string, bool), 0, len(m.subs))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	m.subMu.Unlock()

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for _, fn := range subs {
		fn(unitID, linked)
	}
}
