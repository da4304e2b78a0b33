// Package connection maps transport connections to the account group each
// one is subscribed to.
package connection

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Tracker maps connection ids to account ids. A connection belongs to at
// most one account group; attaching again replaces the previous group.
// All methods are safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	byConn    map[string]uuid.UUID
	byAccount map[uuid.UUID]map[string]struct{}
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byConn:    make(map[string]uuid.UUID),
		byAccount: make(map[uuid.UUID]map[string]struct{}),
	}
}

// Attachment describes the effect of Attach.
type Attachment struct {
	// Previous is the group the connection left, or uuid.Nil.
	Previous uuid.UUID
	// PreviousEmptied is true when leaving Previous left it without subscribers.
	PreviousEmptied bool
	// First is true when the connection is the account's first subscriber.
	First bool
	// WasIdle is true when no connection was attached to any account before.
	WasIdle bool
}

// Attach subscribes connID to accountID's group.
//
// Precondition: connID must be non-empty; accountID must not be uuid.Nil.
func (t *Tracker) Attach(connID string, accountID uuid.UUID) Attachment {
	t.mu.Lock()
	defer t.mu.Unlock()

	var a Attachment
	a.WasIdle = len(t.byConn) == 0
	if prev, ok := t.byConn[connID]; ok {
		if prev == accountID {
			return Attachment{Previous: prev}
		}
		a.Previous = prev
		a.PreviousEmptied = t.removeLocked(connID, prev)
	}
	subs := t.byAccount[accountID]
	if subs == nil {
		subs = make(map[string]struct{})
		t.byAccount[accountID] = subs
	}
	a.First = len(subs) == 0
	subs[connID] = struct{}{}
	t.byConn[connID] = accountID
	return a
}

// Detachment describes the effect of Detach.
type Detachment struct {
	// AccountID is the group the connection left, or uuid.Nil when it had none.
	AccountID uuid.UUID
	// Last is true when the group has no subscribers left.
	Last bool
	// Idle is true when no connection remains attached to any account.
	Idle bool
}

// Detach removes connID from whatever group it is in. Used on transport
// disconnect.
func (t *Tracker) Detach(connID string) Detachment {
	t.mu.Lock()
	defer t.mu.Unlock()
	accountID, ok := t.byConn[connID]
	if !ok {
		return Detachment{Idle: len(t.byConn) == 0}
	}
	last := t.removeLocked(connID, accountID)
	return Detachment{AccountID: accountID, Last: last, Idle: len(t.byConn) == 0}
}

// DetachFrom removes connID from accountID's group only if it is there.
func (t *Tracker) DetachFrom(connID string, accountID uuid.UUID) (Detachment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.byConn[connID]
	if !ok || cur != accountID {
		return Detachment{}, false
	}
	last := t.removeLocked(connID, accountID)
	return Detachment{AccountID: accountID, Last: last, Idle: len(t.byConn) == 0}, true
}

func (t *Tracker) removeLocked(connID string, accountID uuid.UUID) bool {
	delete(t.byConn, connID)
	subs := t.byAccount[accountID]
	delete(subs, connID)
	if len(subs) == 0 {
		delete(t.byAccount, accountID)
		return true
	}
	return false
}

// Count returns the number of connections subscribed to accountID.
func (t *Tracker) Count(accountID uuid.UUID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byAccount[accountID])
}

// Total returns the number of attached connections across all accounts.
func (t *Tracker) Total() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byConn)
}

// SubscribersOf returns a sorted copy of accountID's subscribers.
func (t *Tracker) SubscribersOf(accountID uuid.UUID) []string {
	t.mu.RLock()
	subs := t.byAccount[accountID]
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// AccountOf returns the group connID is attached to.
func (t *Tracker) AccountOf(connID string) (uuid.UUID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byConn[connID]
	return id, ok
}

// Accounts returns every account with at least one subscriber.
func (t *Tracker) Accounts() []uuid.UUID {
	t.mu.RLock()
	out := make([]uuid.UUID, 0, len(t.byAccount))
	for id := range t.byAccount {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
