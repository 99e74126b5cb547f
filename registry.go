package abus

import "context"

// Subscriber consumes one published message. A returned error (or panic) is
// isolated per subscriber: it is counted, reported through observers and
// logging, and never surfaces to the publisher or stops delivery to the
// remaining subscribers.
type Subscriber func(ctx context.Context, msg *Message) error

// Subscription is the handle for one registration on the bus. Closing it
// removes the registration. Go function values are not comparable, so
// removal is token-based rather than by callback identity; registering the
// same function twice yields two independent subscriptions (and duplicate
// invocations).
type Subscription interface {
	Close() error
}

type subscription struct {
	bus  *Bus
	kind string
	id   uint64
}

func (s *subscription) Close() error {
	s.bus.Unsubscribe(s)
	return nil
}

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// subscriberTable holds per-kind subscriber lists in registration order.
// Callers synchronize access; the table itself is not goroutine-safe.
type subscriberTable struct {
	seq    uint64
	byKind map[string][]subscriberEntry
}

func newSubscriberTable() *subscriberTable {
	return &subscriberTable{byKind: make(map[string][]subscriberEntry)}
}

func (t *subscriberTable) add(kind string, fn Subscriber) uint64 {
	t.seq++
	t.byKind[kind] = append(t.byKind[kind], subscriberEntry{id: t.seq, fn: fn})
	return t.seq
}

func (t *subscriberTable) remove(kind string, id uint64) bool {
	entries := t.byKind[kind]
	for i, e := range entries {
		if e.id == id {
			t.byKind[kind] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot returns a copy of the entries for a kind so fan-out can run
// without holding the bus lock.
func (t *subscriberTable) snapshot(kind string) []subscriberEntry {
	entries := t.byKind[kind]
	if len(entries) == 0 {
		return nil
	}
	out := make([]subscriberEntry, len(entries))
	copy(out, entries)
	return out
}
