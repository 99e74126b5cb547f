package abus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := NewBusBuilder().Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus
}

// fakeJournal is an in-memory Journal for exercising the durability path
// without touching disk.
type fakeJournal struct {
	mu        sync.Mutex
	appended  []*Message
	preloaded []*Message
	appendErr error
}

func (f *fakeJournal) Append(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, msg)
	return nil
}

func (f *fakeJournal) LoadAll(_ context.Context) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Message, 0, len(f.preloaded)+len(f.appended))
	out = append(out, f.preloaded...)
	out = append(out, f.appended...)
	return out, nil
}

func (f *fakeJournal) Close(_ context.Context) error { return nil }

func TestPublishAssignsIdentity(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	msg := &Message{Sender: "analyst", Kind: "note", Payload: "hello"}
	id, err := bus.Publish(ctx, msg)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())

	got, ok := bus.Get(id)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Payload)
}

func TestPublishValidation(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	_, err := bus.Publish(ctx, nil)
	assert.ErrorIs(t, err, ErrNilMessage)

	_, err = bus.Publish(ctx, &Message{Kind: "note"})
	assert.ErrorIs(t, err, ErrEmptySender)

	_, err = bus.Publish(ctx, &Message{Sender: "analyst"})
	assert.ErrorIs(t, err, ErrEmptyKind)
}

func TestPublishRejectsDuplicateID(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	msg := NewMessage("analyst", "note", "first")
	_, err := bus.Publish(ctx, msg)
	require.NoError(t, err)

	dup := NewMessage("analyst", "note", "second")
	dup.ID = msg.ID
	_, err = bus.Publish(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateID)

	// Rejected message never entered history.
	assert.Len(t, bus.Query(Query{}), 1)
}

func TestDeliveryKindThenWildcardInOrder(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	var calls []string
	record := func(tag string) Subscriber {
		return func(_ context.Context, msg *Message) error {
			mu.Lock()
			calls = append(calls, tag+":"+msg.Payload)
			mu.Unlock()
			return nil
		}
	}

	bus.Subscribe("a", record("a1"))
	bus.Subscribe("a", record("a2"))
	bus.Subscribe(KindAny, record("any"))

	for _, p := range []string{"x", "y", "z"} {
		kind := "a"
		if p == "y" {
			kind = "b"
		}
		_, err := bus.Publish(ctx, NewMessage("s", kind, p))
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"a1:x", "a2:x", "any:x",
		"any:y",
		"a1:z", "a2:z", "any:z",
	}, calls)
}

func TestSubscriberIsolation(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var reached bool
	bus.Subscribe("note", func(_ context.Context, _ *Message) error {
		return errors.New("boom")
	})
	bus.Subscribe("note", func(_ context.Context, _ *Message) error {
		panic("kaboom")
	})
	bus.Subscribe("note", func(_ context.Context, _ *Message) error {
		reached = true
		return nil
	})

	_, err := bus.Publish(ctx, NewMessage("s", "note", "p"))
	require.NoError(t, err)
	assert.True(t, reached)
	assert.Equal(t, uint64(2), bus.GetMetrics().HandlerErrors)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var count int
	sub := bus.Subscribe("note", func(_ context.Context, _ *Message) error {
		count++
		return nil
	})

	_, err := bus.Publish(ctx, NewMessage("s", "note", "one"))
	require.NoError(t, err)

	assert.True(t, bus.Unsubscribe(sub))
	assert.False(t, bus.Unsubscribe(sub))

	_, err = bus.Publish(ctx, NewMessage("s", "note", "two"))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSubscriptionClose(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var count int
	sub := bus.Subscribe("note", func(_ context.Context, _ *Message) error {
		count++
		return nil
	})
	require.NoError(t, sub.Close())

	_, err := bus.Publish(ctx, NewMessage("s", "note", "p"))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestQueryFiltersNewestFirst(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	for i, p := range []string{"one", "two", "three"} {
		m := NewMessage("analyst", "note", p)
		if i == 1 {
			m.Kind = "status"
			m.Recipient = "architect"
		}
		_, err := bus.Publish(ctx, m)
		require.NoError(t, err)
	}

	all := bus.Query(Query{})
	require.Len(t, all, 3)
	assert.Equal(t, "three", all[0].Payload)
	assert.Equal(t, "one", all[2].Payload)

	notes := bus.Query(Query{Kind: "note"})
	require.Len(t, notes, 2)
	assert.Equal(t, "three", notes[0].Payload)

	limited := bus.Query(Query{Kind: "note", Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "three", limited[0].Payload)

	toArchitect := bus.Query(Query{Recipient: "architect"})
	require.Len(t, toArchitect, 1)
	assert.Equal(t, "two", toArchitect[0].Payload)
}

func TestRepliesToInPublishOrder(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	orig := NewMessage("analyst", "query", "q")
	_, err := bus.Publish(ctx, orig)
	require.NoError(t, err)

	for _, p := range []string{"r1", "r2"} {
		r := NewMessage("architect", "reply_query", p)
		r.InReplyTo = orig.ID
		_, err := bus.Publish(ctx, r)
		require.NoError(t, err)
	}

	replies := bus.RepliesTo(orig.ID)
	require.Len(t, replies, 2)
	assert.Equal(t, "r1", replies[0].Payload)
	assert.Equal(t, "r2", replies[1].Payload)

	assert.Empty(t, bus.RepliesTo("no-such-id"))
}

func TestAwaitReplyWokenByPublish(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	orig := NewMessage("analyst", "query", "q")
	_, err := bus.Publish(ctx, orig)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		r := NewMessage("architect", "reply_query", "answer")
		r.InReplyTo = orig.ID
		_, _ = bus.Publish(ctx, r)
	}()

	got, err := bus.AwaitReply(ctx, orig.ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "answer", got.Payload)
}

func TestAwaitReplyAlreadyArrived(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	orig := NewMessage("analyst", "query", "q")
	_, err := bus.Publish(ctx, orig)
	require.NoError(t, err)

	r := NewMessage("architect", "reply_query", "early")
	r.InReplyTo = orig.ID
	_, err = bus.Publish(ctx, r)
	require.NoError(t, err)

	got, err := bus.AwaitReply(ctx, orig.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "early", got.Payload)
}

func TestAwaitReplyTimeout(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	start := time.Now()
	got, err := bus.AwaitReply(ctx, "never-answered", 100*time.Millisecond)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrAwaitTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, uint64(1), bus.GetMetrics().AwaitTimeouts)
}

func TestAwaitReplyContextCanceled(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := bus.AwaitReply(ctx, "never-answered", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBusAssignedTimestampsMonotonic(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var prev time.Time
	for i := 0; i < 50; i++ {
		m := NewMessage("s", "note", "p")
		_, err := bus.Publish(ctx, m)
		require.NoError(t, err)
		assert.False(t, m.Timestamp.Before(prev))
		prev = m.Timestamp
	}
}

func TestJournalFailureDoesNotFailPublish(t *testing.T) {
	fj := &fakeJournal{appendErr: errors.New("disk full")}
	bus, err := NewBusBuilder().WithJournalInstance(fj).Build()
	require.NoError(t, err)
	defer bus.Close(context.Background())

	id, err := bus.Publish(context.Background(), NewMessage("s", "note", "p"))
	require.NoError(t, err)

	_, ok := bus.Get(id)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), bus.GetMetrics().JournalErrors)
}

func TestLoadJournalDedupAndResort(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	older := NewMessage("s", "note", "older")
	older.Timestamp = base
	newer := NewMessage("s", "note", "newer")
	newer.Timestamp = base.Add(time.Hour)

	// Preloaded records arrive out of chronological order.
	fj := &fakeJournal{preloaded: []*Message{newer, older}}
	bus, err := NewBusBuilder().WithJournalInstance(fj).Build()
	require.NoError(t, err)
	defer bus.Close(context.Background())
	ctx := context.Background()

	n, err := bus.LoadJournal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Second load is a no-op.
	n, err = bus.LoadJournal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	all := bus.Query(Query{})
	require.Len(t, all, 2)
	assert.Equal(t, "newer", all[0].Payload)
	assert.Equal(t, "older", all[1].Payload)
}

func TestLoadJournalDoesNotRedeliver(t *testing.T) {
	old := NewMessage("s", "note", "replayed")
	old.Timestamp = time.Now()
	fj := &fakeJournal{preloaded: []*Message{old}}
	bus, err := NewBusBuilder().WithJournalInstance(fj).Build()
	require.NoError(t, err)
	defer bus.Close(context.Background())

	var count int
	bus.Subscribe(KindAny, func(_ context.Context, _ *Message) error {
		count++
		return nil
	})

	_, err = bus.LoadJournal(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

// gateJournal blocks Append until released, holding a publish in flight.
type gateJournal struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateJournal) Append(_ context.Context, _ *Message) error {
	g.entered <- struct{}{}
	<-g.release
	return nil
}

func (g *gateJournal) LoadAll(_ context.Context) ([]*Message, error) { return nil, nil }
func (g *gateJournal) Close(_ context.Context) error                 { return nil }

func TestCloseDuringInFlightPublish(t *testing.T) {
	gj := &gateJournal{entered: make(chan struct{}, 1), release: make(chan struct{})}
	bus, err := NewBusBuilder().WithJournalInstance(gj).Build()
	require.NoError(t, err)
	ctx := context.Background()

	type waitResult struct {
		msg *Message
		err error
	}
	waitCh := make(chan waitResult, 1)
	go func() {
		m, err := bus.AwaitReply(ctx, "req-1", 5*time.Second)
		waitCh <- waitResult{msg: m, err: err}
	}()
	time.Sleep(20 * time.Millisecond)

	pubErr := make(chan error, 1)
	go func() {
		r := NewMessage("architect", "reply_query", "answer")
		r.InReplyTo = "req-1"
		_, err := bus.Publish(ctx, r)
		pubErr <- err
	}()

	// Publish is now past the waiter wake, stalled in the journal.
	<-gj.entered

	closeErr := make(chan error, 1)
	go func() { closeErr <- bus.Close(ctx) }()
	time.Sleep(20 * time.Millisecond)
	close(gj.release)

	require.NoError(t, <-pubErr)
	require.NoError(t, <-closeErr)

	res := <-waitCh
	require.NoError(t, res.err)
	require.NotNil(t, res.msg)
	assert.Equal(t, "answer", res.msg.Payload)
}

func TestCloseWakesWaiters(t *testing.T) {
	bus, err := NewBusBuilder().Build()
	require.NoError(t, err)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := bus.AwaitReply(ctx, "pending", 10*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bus.Close(ctx))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrBusClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released on close")
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus, err := NewBusBuilder().Build()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, bus.Close(ctx))
	require.NoError(t, bus.Close(ctx))

	_, err = bus.Publish(ctx, NewMessage("s", "note", "p"))
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestHealth(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	h := bus.Health(ctx)
	assert.Equal(t, "healthy", h.Status)
	assert.False(t, h.Timestamp.IsZero())

	bus.Subscribe("note", func(_ context.Context, _ *Message) error {
		return errors.New("boom")
	})
	_, err := bus.Publish(ctx, NewMessage("s", "note", "p"))
	require.NoError(t, err)
	assert.Equal(t, "degraded", bus.Health(ctx).Status)
}

func TestHealthAfterClose(t *testing.T) {
	bus, err := NewBusBuilder().Build()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, bus.Close(ctx))
	h := bus.Health(ctx)
	assert.Equal(t, "unhealthy", h.Status)
	assert.False(t, h.Timestamp.IsZero())
}

func TestConcurrentPublishers(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	const publishers = 8
	const perPublisher = 50

	var delivered sync.Map
	bus.Subscribe(KindAny, func(_ context.Context, msg *Message) error {
		delivered.Store(msg.ID, struct{}{})
		return nil
	})

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_, err := bus.Publish(ctx, NewMessage("s", "note", "p"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, bus.Query(Query{}), publishers*perPublisher)
	m := bus.GetMetrics()
	assert.Equal(t, uint64(publishers*perPublisher), m.Published)

	var seen int
	delivered.Range(func(_, _ any) bool { seen++; return true })
	assert.Equal(t, publishers*perPublisher, seen)
}
