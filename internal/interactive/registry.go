// Package interactive correlates prompts raised by the world (script dialogs,
// permission requests, teleport offers) with user responses that arrive
// later over a different channel.
package interactive

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cory-johannsen/worldlink/internal/apperr"
)

// Kind is the prompt family.
type Kind int

const (
	KindScriptDialog Kind = iota + 1
	KindScriptPermission
	KindTeleportRequest
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindScriptDialog:
		return "script_dialog"
	case KindScriptPermission:
		return "script_permission"
	case KindTeleportRequest:
		return "teleport_request"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for _, k := range []Kind{KindScriptDialog, KindScriptPermission, KindTeleportRequest} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

var (
	// ErrDuplicateID is returned when (account, kind, id) is already pending.
	ErrDuplicateID = &apperr.Error{Kind: apperr.KindAlreadyExists, Msg: "duplicate request id"}
	// ErrRequestNotFound is returned for unknown, resolved, or expired requests.
	ErrRequestNotFound = &apperr.Error{Kind: apperr.KindNotFound, Msg: "request not found"}
)

// Closure says how a request left the registry.
type Closure int

const (
	ClosedResolved Closure = iota + 1
	ClosedDismissed
	ClosedExpired
	ClosedPurged
)

// String returns the wire name of the closure.
func (c Closure) String() string {
	switch c {
	case ClosedResolved:
		return "resolved"
	case ClosedDismissed:
		return "dismissed"
	case ClosedExpired:
		return "expired"
	case ClosedPurged:
		return "purged"
	default:
		return "unknown"
	}
}

// Request is a pending interactive prompt.
type Request struct {
	AccountID uuid.UUID
	Kind      Kind
	ID        uuid.UUID
	CreatedAt time.Time
	// ExpiresAt is zero when the request never expires.
	ExpiresAt time.Time
	// Payload is the world-side prompt (e.g. *world.ScriptDialog).
	Payload any

	seq uint64
}

// Expired reports whether r is past its expiry at now.
func (r Request) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

type key struct {
	account uuid.UUID
	kind    Kind
	id      uuid.UUID
}

// Registry is the pending-request table. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[key]Request
	seq     uint64
	now     func() time.Time

	// OnClose, when set, is called outside the lock for every request that
	// leaves the registry, including expiries found by Sweep or on access.
	OnClose func(req Request, how Closure)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[key]Request),
		now:     time.Now,
	}
}

// SetClock replaces the time source; used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register adds a pending request. ttl <= 0 means no expiry.
//
// Postcondition: returns ErrDuplicateID when the same (account, kind, id)
// is already pending and not expired.
func (r *Registry) Register(accountID uuid.UUID, kind Kind, id uuid.UUID, ttl time.Duration, payload any) (Request, error) {
	if accountID == uuid.Nil || id == uuid.Nil {
		return Request{}, apperr.New(apperr.KindInvalidInput, "interactive.Register", "account and request ids are required")
	}
	var expired []Request
	defer func() { r.notify(expired, ClosedExpired) }()

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	k := key{accountID, kind, id}
	if existing, ok := r.entries[k]; ok {
		if !existing.Expired(now) {
			return Request{}, &apperr.Error{Kind: apperr.KindAlreadyExists, Op: "interactive.Register", Err: ErrDuplicateID}
		}
		delete(r.entries, k)
		expired = append(expired, existing)
	}
	r.seq++
	req := Request{
		AccountID: accountID,
		Kind:      kind,
		ID:        id,
		CreatedAt: now,
		Payload:   payload,
		seq:       r.seq,
	}
	if ttl > 0 {
		req.ExpiresAt = now.Add(ttl)
	}
	r.entries[k] = req
	return req, nil
}

// take removes and returns a live entry. Expired entries are removed and
// reported as not found.
func (r *Registry) take(op string, accountID uuid.UUID, kind Kind, id uuid.UUID) (Request, error) {
	var expired []Request
	defer func() { r.notify(expired, ClosedExpired) }()

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{accountID, kind, id}
	req, ok := r.entries[k]
	if !ok {
		return Request{}, &apperr.Error{Kind: apperr.KindNotFound, Op: op, Err: ErrRequestNotFound}
	}
	delete(r.entries, k)
	if req.Expired(r.now()) {
		expired = append(expired, req)
		return Request{}, &apperr.Error{Kind: apperr.KindNotFound, Op: op, Err: ErrRequestNotFound}
	}
	return req, nil
}

// Resolve removes the request and runs respond with it, outside the lock.
// respond must inform the world of the user's answer; its error is returned.
//
// Postcondition: the request is gone whether or not respond succeeds, so a
// second Resolve or Dismiss for the same id returns ErrRequestNotFound.
func (r *Registry) Resolve(accountID uuid.UUID, kind Kind, id uuid.UUID, respond func(Request) error) error {
	req, err := r.take("interactive.Resolve", accountID, kind, id)
	if err != nil {
		return err
	}
	var respErr error
	if respond != nil {
		respErr = respond(req)
	}
	r.notify([]Request{req}, ClosedResolved)
	return respErr
}

// Dismiss removes the request without answering it.
func (r *Registry) Dismiss(accountID uuid.UUID, kind Kind, id uuid.UUID) error {
	req, err := r.take("interactive.Dismiss", accountID, kind, id)
	if err != nil {
		return err
	}
	r.notify([]Request{req}, ClosedDismissed)
	return nil
}

// Get returns a live request without removing it.
func (r *Registry) Get(accountID uuid.UUID, kind Kind, id uuid.UUID) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.entries[key{accountID, kind, id}]
	if !ok || req.Expired(r.now()) {
		return Request{}, false
	}
	return req, true
}

// ListActive returns live requests for accountID in creation order. With no
// kinds every kind is listed.
func (r *Registry) ListActive(accountID uuid.UUID, kinds ...Kind) []Request {
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	r.mu.Lock()
	now := r.now()
	var out []Request
	for k, req := range r.entries {
		if k.account != accountID || (len(want) > 0 && !want[k.kind]) || req.Expired(now) {
			continue
		}
		out = append(out, req)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of stored entries, expired ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep removes every expired entry and returns how many it removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.now()
	var expired []Request
	for k, req := range r.entries {
		if req.Expired(now) {
			delete(r.entries, k)
			expired = append(expired, req)
		}
	}
	r.mu.Unlock()
	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })
	r.notify(expired, ClosedExpired)
	return len(expired)
}

// Purge removes every request for accountID; used when its session ends.
func (r *Registry) Purge(accountID uuid.UUID) int {
	r.mu.Lock()
	var purged []Request
	for k, req := range r.entries {
		if k.account == accountID {
			delete(r.entries, k)
			purged = append(purged, req)
		}
	}
	r.mu.Unlock()
	sort.Slice(purged, func(i, j int) bool { return purged[i].seq < purged[j].seq })
	r.notify(purged, ClosedPurged)
	return len(purged)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep()
		}
	}
}

func (r *Registry) notify(reqs []Request, how Closure) {
	if r.OnClose == nil {
		return
	}
	for _, req := range reqs {
		r.OnClose(req, how)
	}
}
