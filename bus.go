package abus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Bus is the central registry of messages and subscriptions. It keeps an
// ordered in-memory history of every accepted message, fans each publish out
// synchronously to kind subscribers then wildcard subscribers, wakes
// correlation waiters, and appends to an optional durable journal.
//
// A Bus is constructed explicitly (see BusBuilder) and shared by reference
// across all endpoints; there is no process-wide default instance.
type Bus struct {
	journal Journal
	clock   xclock.Clock
	logger  *xlog.Logger

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	// mu guards history, index, subscriptions, waiters and the timestamp
	// watermark. Fan-out runs on snapshots outside the lock.
	mu        sync.Mutex
	history   []*Message
	index     map[string]*Message
	subs      *subscriberTable
	waiters   map[string][]chan *Message
	lastStamp time.Time

	metrics   *busMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

type busMetrics struct {
	published      atomic.Uint64
	delivered      atomic.Uint64
	handlerErrors  atomic.Uint64
	journalErrors  atomic.Uint64
	repliesMatched atomic.Uint64
	awaitTimeouts  atomic.Uint64
}

// Query filters Bus history. Zero-valued fields match everything; results
// are newest-first, capped to Limit when Limit > 0.
type Query struct {
	Sender    string
	Recipient string
	Kind      string
	InReplyTo string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Publish accepts a message, records it, persists it, and fans it out.
//
// The id (when empty) and timestamp (when zero) are assigned by the bus;
// bus-assigned timestamps are monotonic non-decreasing in acceptance order.
// Delivery order is: subscribers of msg.Kind in registration order, then
// wildcard subscribers in registration order. Subscriber errors and panics
// are isolated per subscriber. Journal failures are reported and counted
// but never returned: delivery must not fail because the audit trail did.
func (b *Bus) Publish(ctx context.Context, msg *Message) (string, error) {
	if b.closed.Load() {
		return "", ErrBusClosed
	}
	if msg == nil {
		return "", ErrNilMessage
	}
	if msg.Sender == "" {
		return "", ErrEmptySender
	}
	if msg.Kind == "" {
		return "", ErrEmptyKind
	}

	b.mu.Lock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, dup := b.index[msg.ID]; dup {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
	}
	if msg.Timestamp.IsZero() {
		now := b.clock.Now()
		if now.Before(b.lastStamp) {
			now = b.lastStamp
		}
		msg.Timestamp = now
	}
	if msg.Timestamp.After(b.lastStamp) {
		b.lastStamp = msg.Timestamp
	}
	b.history = append(b.history, msg)
	b.index[msg.ID] = msg

	kindSubs := b.subs.snapshot(msg.Kind)
	wildSubs := b.subs.snapshot(KindAny)

	// Wake correlation waiters while still holding the lock: the channels
	// are buffered so the sends cannot block, and Close only close()s
	// channels it has removed from the map under this same lock. Waking
	// before fan-out means a caller blocked in AwaitReply observes the reply
	// the instant it enters history.
	woken := 0
	if msg.InReplyTo != "" {
		for _, ch := range b.waiters[msg.InReplyTo] {
			select {
			case ch <- msg:
				woken++
			default:
			}
		}
	}
	b.mu.Unlock()

	b.metrics.published.Add(1)

	if woken > 0 {
		b.metrics.repliesMatched.Add(uint64(woken))
		b.notifyAsync(BusEvent{Type: EventReplyMatched, MessageID: msg.InReplyTo, Kind: msg.Kind, Sender: msg.Sender})
	}

	if b.journal != nil {
		if err := b.journal.Append(ctx, msg); err != nil {
			b.metrics.journalErrors.Add(1)
			b.notifyAsync(BusEvent{Type: EventJournalError, MessageID: msg.ID, Kind: msg.Kind, Err: err})
			b.logger.Warn().Err(err).Str("id", msg.ID).Msg("abus: journal append failed")
		}
	}

	start := b.clock.Now()
	hctx := injectClock(injectLogger(ctx, b.logger), b.clock)
	delivered := b.fanOut(hctx, msg, kindSubs)
	delivered += b.fanOut(hctx, msg, wildSubs)
	b.metrics.delivered.Add(uint64(delivered))

	b.notifyAsync(BusEvent{
		Type:      EventPublish,
		MessageID: msg.ID,
		Kind:      msg.Kind,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Duration:  b.clock.Since(start),
	})

	return msg.ID, nil
}

// fanOut invokes each subscriber with per-subscriber isolation and returns
// the number of invocations.
func (b *Bus) fanOut(ctx context.Context, msg *Message, entries []subscriberEntry) int {
	for _, e := range entries {
		if err := b.invoke(ctx, msg, e.fn); err != nil {
			b.metrics.handlerErrors.Add(1)
			b.notifyAsync(BusEvent{
				Type:      EventHandlerError,
				MessageID: msg.ID,
				Kind:      msg.Kind,
				Sender:    msg.Sender,
				Recipient: msg.Recipient,
				Err:       err,
			})
			b.logger.Warn().Err(err).Str("id", msg.ID).Str("kind", msg.Kind).Msg("abus: subscriber failed")
		}
	}
	return len(entries)
}

func (b *Bus) invoke(ctx context.Context, msg *Message, fn Subscriber) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn(ctx, msg)
}

// Subscribe registers a callback for a kind (KindAny for all kinds).
// Registration order is delivery order. The same function may be registered
// more than once, yielding duplicate invocations.
func (b *Bus) Subscribe(kind string, fn Subscriber) Subscription {
	if kind == "" || fn == nil {
		return noopSubscription{}
	}
	b.mu.Lock()
	id := b.subs.add(kind, fn)
	b.mu.Unlock()
	return &subscription{bus: b, kind: kind, id: id}
}

// Unsubscribe removes one registration; it reports whether a removal
// occurred.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	s, ok := sub.(*subscription)
	if !ok || s == nil || s.bus != b {
		return false
	}
	b.mu.Lock()
	removed := b.subs.remove(s.kind, s.id)
	b.mu.Unlock()
	return removed
}

type noopSubscription struct{}

func (noopSubscription) Close() error { return nil }

// Query returns messages matching q, newest-first.
func (b *Bus) Query(q Query) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Message
	for i := len(b.history) - 1; i >= 0; i-- {
		m := b.history[i]
		if q.Sender != "" && m.Sender != q.Sender {
			continue
		}
		if q.Recipient != "" && m.Recipient != q.Recipient {
			continue
		}
		if q.Kind != "" && m.Kind != q.Kind {
			continue
		}
		if q.InReplyTo != "" && m.InReplyTo != q.InReplyTo {
			continue
		}
		if !q.Since.IsZero() && m.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && m.Timestamp.After(q.Until) {
			continue
		}
		out = append(out, m)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Get is a point lookup by message identity.
func (b *Bus) Get(id string) (*Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.index[id]
	return m, ok
}

// RepliesTo returns all messages answering id, in publish order. An id with
// no replies (or no such message at all) yields an empty result.
func (b *Bus) RepliesTo(id string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.repliesLocked(id)
}

func (b *Bus) repliesLocked(id string) []*Message {
	var out []*Message
	for _, m := range b.history {
		if m.InReplyTo == id {
			out = append(out, m)
		}
	}
	return out
}

// AwaitReply blocks until a message with InReplyTo == id is accepted by the
// bus, the timeout elapses (ErrAwaitTimeout), or ctx is canceled. A reply
// already in history is returned immediately. timeout <= 0 waits until the
// context is done.
//
// The wait is channel-based and woken directly by Publish; there is no
// polling.
func (b *Bus) AwaitReply(ctx context.Context, id string, timeout time.Duration) (*Message, error) {
	ch := make(chan *Message, 1)

	b.mu.Lock()
	if replies := b.repliesLocked(id); len(replies) > 0 {
		b.mu.Unlock()
		return replies[0], nil
	}
	if b.closed.Load() {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.waiters[id] = append(b.waiters[id], ch)
	b.mu.Unlock()
	defer b.dropWaiter(id, ch)

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case m, ok := <-ch:
		if !ok {
			return nil, ErrBusClosed
		}
		return m, nil
	case <-timeoutC:
		b.metrics.awaitTimeouts.Add(1)
		b.notifyAsync(BusEvent{Type: EventAwaitTimeout, MessageID: id, Duration: timeout})
		return nil, ErrAwaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bus) dropWaiter(id string, ch chan *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.waiters[id]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(b.waiters, id)
	} else {
		b.waiters[id] = chans
	}
}

// LoadJournal reads every persisted record and appends to history any
// message whose id is not already present, then re-sorts history by
// timestamp: partitions are read in filesystem order, not logical order.
// Returns the number of newly loaded messages. Loading twice is idempotent.
// Replayed messages are history-only; they are not fanned out again.
func (b *Bus) LoadJournal(ctx context.Context) (int, error) {
	if b.journal == nil {
		return 0, nil
	}
	msgs, err := b.journal.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			continue
		}
		if _, ok := b.index[m.ID]; ok {
			continue
		}
		b.index[m.ID] = m
		b.history = append(b.history, m)
		if m.Timestamp.After(b.lastStamp) {
			b.lastStamp = m.Timestamp
		}
		count++
	}
	sort.SliceStable(b.history, func(i, j int) bool {
		return b.history[i].Timestamp.Before(b.history[j].Timestamp)
	})
	return count, nil
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	var dropped uint64
	if b.observerPool != nil {
		dropped = b.observerPool.Stats().Dropped
	}
	return Metrics{
		Published:      b.metrics.published.Load(),
		Delivered:      b.metrics.delivered.Load(),
		HandlerErrors:  b.metrics.handlerErrors.Load(),
		JournalErrors:  b.metrics.journalErrors.Load(),
		RepliesMatched: b.metrics.repliesMatched.Load(),
		AwaitTimeouts:  b.metrics.awaitTimeouts.Load(),
		EventsDropped:  dropped,
	}
}

// Health reports bus health for liveness probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"

	// Degraded if handler error rate > 5%
	if metrics.HandlerErrors > 0 && metrics.Published > 0 {
		errorRate := float64(metrics.HandlerErrors) / float64(metrics.Published)
		if errorRate > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
	}
}

// Close shuts the bus down: pending waiters are released with ErrBusClosed,
// the observer pool drains, and the journal closes. Idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		// Closing under b.mu: Publish only sends to channels still in the
		// map under this lock, so no send can race the close().
		b.mu.Lock()
		for _, chans := range b.waiters {
			for _, ch := range chans {
				close(ch)
			}
		}
		b.waiters = make(map[string][]chan *Message)
		b.mu.Unlock()

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("abus: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if b.journal != nil {
			if err := b.journal.Close(ctx); err != nil {
				b.logger.Error().Err(err).Msg("abus: journal close failed")
				closeErr = err
			}
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches events asynchronously (non-blocking).
func (b *Bus) notifyAsync(e BusEvent) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	observerCount := len(b.observers)
	if observerCount == 0 {
		b.observersMu.RUnlock()
		return
	}

	observers := make([]Observer, observerCount)
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}
