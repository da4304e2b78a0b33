// Package presence tracks per-account Online/Away/Busy status and the
// foreground account whose status may follow browser visibility.
package presence

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cory-johannsen/worldlink/internal/apperr"
	"github.com/cory-johannsen/worldlink/internal/world"
)

// Status is an account's presence.
type Status int

const (
	Online Status = iota
	Away
	Busy
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case Away:
		return "away"
	case Busy:
		return "busy"
	default:
		return "online"
	}
}

// FromWorld maps the world's flags to a Status. Busy wins if both are set.
func FromWorld(p world.Presence) Status {
	switch {
	case p.Busy:
		return Busy
	case p.Away:
		return Away
	default:
		return Online
	}
}

// Policy configures browser-visibility side effects. Both are off by default.
type Policy struct {
	// AwayOnBrowserClose marks the active account Away when the last browser
	// connection goes away.
	AwayOnBrowserClose bool
	// ReturnOnBrowserOpen returns an account set Away by AwayOnBrowserClose to
	// Online when a browser attaches again.
	ReturnOnBrowserOpen bool
}

// Source is the world's view of presence for an account.
type Source interface {
	Presence(ctx context.Context, accountID uuid.UUID) (world.Presence, error)
}

// Attached reports how many browser connections are attached to any account.
type Attached interface {
	Total() int
}

// Change is one status transition.
type Change struct {
	AccountID uuid.UUID
	Previous  Status
	Status    Status
}

// Changed reports whether the transition altered the status.
func (c Change) Changed() bool { return c.Previous != c.Status }

// Machine is the presence state machine. All methods are safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]Status
	autoAway map[uuid.UUID]bool
	active   uuid.UUID

	policy   Policy
	source   Source
	attached Attached
}

// NewMachine creates a Machine.
//
// Precondition: attached must be non-nil. source may be nil, in which case
// GetStatus reports the cached value.
func NewMachine(policy Policy, source Source, attached Attached) *Machine {
	return &Machine{
		statuses: make(map[uuid.UUID]Status),
		autoAway: make(map[uuid.UUID]bool),
		policy:   policy,
		source:   source,
		attached: attached,
	}
}

// Policy returns the configured policy.
func (m *Machine) Policy() Policy { return m.policy }

func (m *Machine) setLocked(accountID uuid.UUID, s Status) Change {
	prev := m.statuses[accountID]
	if s == Online {
		delete(m.statuses, accountID)
	} else {
		m.statuses[accountID] = s
	}
	return Change{AccountID: accountID, Previous: prev, Status: s}
}

// SetAway sets or clears Away. Setting Away clears Busy. Clearing Away when
// the account is Busy leaves it Busy.
func (m *Machine) SetAway(accountID uuid.UUID, away bool) Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.autoAway, accountID)
	cur := m.statuses[accountID]
	switch {
	case away:
		return m.setLocked(accountID, Away)
	case cur == Away:
		return m.setLocked(accountID, Online)
	default:
		return Change{AccountID: accountID, Previous: cur, Status: cur}
	}
}

// SetBusy sets or clears Busy. Setting Busy clears Away. Clearing Busy when
// the account is Away leaves it Away.
func (m *Machine) SetBusy(accountID uuid.UUID, busy bool) Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.autoAway, accountID)
	cur := m.statuses[accountID]
	switch {
	case busy:
		return m.setLocked(accountID, Busy)
	case cur == Busy:
		return m.setLocked(accountID, Online)
	default:
		return Change{AccountID: accountID, Previous: cur, Status: cur}
	}
}

// SetActiveAccount points the foreground account at accountID; uuid.Nil clears it.
func (m *Machine) SetActiveAccount(accountID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = accountID
}

// ActiveAccount returns the foreground account, or uuid.Nil.
func (m *Machine) ActiveAccount() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Cached returns the cached status without consulting the world.
func (m *Machine) Cached(accountID uuid.UUID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[accountID]
}

// GetStatus returns the account's status after reconciling with the world.
// When the world cannot be asked because the account has no live session,
// the cached value is returned. Other failures return the cached value and
// the error; the cache is left untouched.
func (m *Machine) GetStatus(ctx context.Context, accountID uuid.UUID) (Status, Change, error) {
	if m.source == nil {
		s := m.Cached(accountID)
		return s, Change{AccountID: accountID, Previous: s, Status: s}, nil
	}
	// No lock is held while the world is asked.
	p, err := m.source.Presence(ctx, accountID)
	if err != nil {
		s := m.Cached(accountID)
		same := Change{AccountID: accountID, Previous: s, Status: s}
		switch apperr.KindOf(err) {
		case apperr.KindNotFound, apperr.KindNotConnected:
			return s, same, nil
		}
		return s, same, err
	}
	ch := m.Observe(accountID, p)
	return ch.Status, ch, nil
}

// Observe records the world's presence for accountID, as reported by a world
// event or a fresh query. A change caused by the world clears any automatic
// away mark.
func (m *Machine) Observe(accountID uuid.UUID, p world.Presence) Change {
	want := FromWorld(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.setLocked(accountID, want)
	if ch.Changed() {
		delete(m.autoAway, accountID)
	}
	return ch
}

// HandleBrowserClose runs when the last browser connection detaches. With
// AwayOnBrowserClose set and an Online active account, that account is
// marked Away and the change returned; otherwise nothing happens.
func (m *Machine) HandleBrowserClose() []Change {
	if !m.policy.AwayOnBrowserClose || m.attached.Total() > 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == uuid.Nil || m.statuses[m.active] != Online {
		return nil
	}
	ch := m.setLocked(m.active, Away)
	m.autoAway[m.active] = true
	return []Change{ch}
}

// HandleBrowserReturn runs when a browser attaches after none were attached.
// With ReturnOnBrowserOpen set, an account that HandleBrowserClose marked
// Away is returned to Online; manual Away/Busy is left alone.
func (m *Machine) HandleBrowserReturn() []Change {
	if !m.policy.ReturnOnBrowserOpen {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Change
	for id := range m.autoAway {
		delete(m.autoAway, id)
		if m.statuses[id] == Away {
			out = append(out, m.setLocked(id, Online))
		}
	}
	return out
}

// Forget drops every record for accountID.
func (m *Machine) Forget(accountID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, accountID)
	delete(m.autoAway, accountID)
	if m.active == accountID {
		m.active = uuid.Nil
	}
}
