// Package fanout delivers account events to every connection subscribed to
// that account's group.
package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldlink/internal/event"
	"github.com/cory-johannsen/worldlink/internal/observability"
)

// Subscribers resolves an account group to its connection ids.
type Subscribers interface {
	SubscribersOf(accountID uuid.UUID) []string
}

// Deliverer writes an encoded event to one connection. It must not block
// on a slow peer.
type Deliverer interface {
	Deliver(connID string, payload []byte) error
}

type job struct {
	seq     uint64
	typ     event.Type
	payload []byte
	conns   []string
}

type queue struct {
	jobs    []job
	running bool
}

// Broadcaster fans events out per account. Events of one account are
// delivered in Publish order by at most one goroutine at a time; accounts
// never wait on each other.
type Broadcaster struct {
	subs   Subscribers
	out    Deliverer
	logger *zap.Logger

	mu     sync.Mutex
	queues map[uuid.UUID]*queue
	seqs   map[uuid.UUID]uint64
	closed bool
	wg     sync.WaitGroup
}

// NewBroadcaster creates a Broadcaster.
//
// Precondition: subs, out, and logger must be non-nil.
func NewBroadcaster(subs Subscribers, out Deliverer, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   subs,
		out:    out,
		logger: logger.Named("fanout"),
		queues: make(map[uuid.UUID]*queue),
		seqs:   make(map[uuid.UUID]uint64),
	}
}

// Publish stamps ev with accountID and the next per-account sequence
// number, captures the account's subscribers as of now, and queues
// delivery. It returns the sequence number, or zero when the Broadcaster
// is closed or the event cannot be encoded.
func (b *Broadcaster) Publish(accountID uuid.UUID, ev event.Event) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.seqs[accountID]++
	seq := b.seqs[accountID]
	ev.AccountID = accountID.String()
	ev.Seq = seq
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("encoding event",
			observability.Account(accountID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
		return 0
	}
	conns := b.subs.SubscribersOf(accountID)
	if len(conns) == 0 {
		return seq
	}

	q := b.queues[accountID]
	if q == nil {
		q = &queue{}
		b.queues[accountID] = q
	}
	q.jobs = append(q.jobs, job{seq: seq, typ: ev.Type, payload: payload, conns: conns})
	if !q.running {
		q.running = true
		b.wg.Add(1)
		go b.drain(accountID, q)
	}
	return seq
}

func (b *Broadcaster) drain(accountID uuid.UUID, q *queue) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			delete(b.queues, accountID)
			b.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs = q.jobs[1:]
		b.mu.Unlock()

		for _, connID := range j.conns {
			if err := b.out.Deliver(connID, j.payload); err != nil {
				b.logger.Warn("delivering event",
					observability.Account(accountID),
					observability.Conn(connID),
					zap.String("type", string(j.typ)),
					zap.Uint64("seq", j.seq),
					zap.Error(err),
				)
			}
		}
	}
}

// Close stops accepting events and waits for queued deliveries to finish
// or ctx to end.
func (b *Broadcaster) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
