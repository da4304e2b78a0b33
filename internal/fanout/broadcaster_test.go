package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/worldlink/internal/connection"
	"github.com/cory-johannsen/worldlink/internal/event"
)

type recorder struct {
	mu     sync.Mutex
	frames map[string][]event.Event
	fail   map[string]bool
	delay  time.Duration
}

func newRecorder() *recorder {
	return &recorder{frames: map[string][]event.Event{}, fail: map[string]bool{}}
}

func (r *recorder) Deliver(connID string, payload []byte) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	var ev event.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[connID] {
		return errors.New("peer gone")
	}
	r.frames[connID] = append(r.frames[connID], ev)
	return nil
}

func (r *recorder) got(connID string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.frames[connID]...)
}

func closeBroadcaster(t *testing.T, b *Broadcaster) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
}

func TestPublish_DeliversToGroupOnly(t *testing.T) {
	tr := connection.NewTracker()
	out := newRecorder()
	b := NewBroadcaster(tr, out, zaptest.NewLogger(t))
	a1, a2 := uuid.New(), uuid.New()
	tr.Attach("c1", a1)
	tr.Attach("c2", a1)
	tr.Attach("c3", a2)

	seq := b.Publish(a1, event.New(event.ChatMessage, uuid.Nil, map[string]string{"message": "hi"}))
	assert.Equal(t, uint64(1), seq)
	closeBroadcaster(t, b)

	for _, c := range []string{"c1", "c2"} {
		frames := out.got(c)
		require.Len(t, frames, 1, c)
		assert.Equal(t, a1.String(), frames[0].AccountID)
		assert.Equal(t, uint64(1), frames[0].Seq)
	}
	assert.Empty(t, out.got("c3"))
}

func TestPublish_NoSubscribersStillCountsSeq(t *testing.T) {
	tr := connection.NewTracker()
	b := NewBroadcaster(tr, newRecorder(), zaptest.NewLogger(t))
	acct := uuid.New()
	assert.Equal(t, uint64(1), b.Publish(acct, event.New(event.Ack, acct, nil)))
	assert.Equal(t, uint64(2), b.Publish(acct, event.New(event.Ack, acct, nil)))
	closeBroadcaster(t, b)
}

func TestPublish_OrderPreservedPerConnection(t *testing.T) {
	tr := connection.NewTracker()
	out := newRecorder()
	out.delay = time.Millisecond
	b := NewBroadcaster(tr, out, zaptest.NewLogger(t))
	acct := uuid.New()
	tr.Attach("c1", acct)

	for range 25 {
		b.Publish(acct, event.New(event.AvatarUpdated, acct, nil))
	}
	closeBroadcaster(t, b)

	frames := out.got("c1")
	require.Len(t, frames, 25)
	for i, ev := range frames {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestPublish_FailedPeerDoesNotBlockOthers(t *testing.T) {
	tr := connection.NewTracker()
	out := newRecorder()
	out.fail["bad"] = true
	b := NewBroadcaster(tr, out, zaptest.NewLogger(t))
	acct := uuid.New()
	tr.Attach("bad", acct)
	tr.Attach("good", acct)

	b.Publish(acct, event.New(event.RegionUpdated, acct, nil))
	closeBroadcaster(t, b)
	assert.Len(t, out.got("good"), 1)
}

func TestPublish_AfterCloseDropped(t *testing.T) {
	tr := connection.NewTracker()
	out := newRecorder()
	b := NewBroadcaster(tr, out, zaptest.NewLogger(t))
	acct := uuid.New()
	tr.Attach("c1", acct)
	closeBroadcaster(t, b)

	assert.Zero(t, b.Publish(acct, event.New(event.Ack, acct, nil)))
	assert.Empty(t, out.got("c1"))
}

func TestPublish_UnencodableEventDropped(t *testing.T) {
	tr := connection.NewTracker()
	b := NewBroadcaster(tr, newRecorder(), zaptest.NewLogger(t))
	acct := uuid.New()
	tr.Attach("c1", acct)
	assert.Zero(t, b.Publish(acct, event.New(event.Ack, acct, make(chan int))))
	closeBroadcaster(t, b)
}

// Property: every subscriber sees each account's events in seq order with
// no gaps, however publishes from several accounts interleave.
func TestPropertyPerAccountOrdering(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tr := connection.NewTracker()
		out := newRecorder()
		b := NewBroadcaster(tr, out, zaptest.NewLogger(t))
		accounts := []uuid.UUID{uuid.New(), uuid.New()}
		tr.Attach("a", accounts[0])
		tr.Attach("b", accounts[1])

		counts := make([]int, len(accounts))
		for _, k := range rapid.SliceOfN(rapid.IntRange(0, 1), 1, 50).Draw(rt, "publishers") {
			b.Publish(accounts[k], event.New(event.ChatMessage, accounts[k], nil))
			counts[k]++
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.Close(ctx); err != nil {
			rt.Fatalf("close: %v", err)
		}
		for i, conn := range []string{"a", "b"} {
			frames := out.got(conn)
			if len(frames) != counts[i] {
				rt.Fatalf("%s: %d frames, want %d", conn, len(frames), counts[i])
			}
			for j, ev := range frames {
				if ev.Seq != uint64(j+1) {
					rt.Fatalf("%s: frame %d has seq %d", conn, j, ev.Seq)
				}
			}
		}
	})
}
