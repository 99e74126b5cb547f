package abus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/trickstertwo/xlog"
)

// DefaultAskTimeout bounds Ask when the caller passes no timeout.
const DefaultAskTimeout = 60 * time.Second

// Endpoint is a named participant on the bus. It subscribes to all traffic,
// filters for messages addressed to it, and dispatches them to per-kind
// handlers wrapped in its middleware chain. Handler results become automatic
// replies; handler failures become error replies to the original sender.
type Endpoint struct {
	name        string
	bus         *Bus
	logger      *xlog.Logger
	middlewares []Middleware

	mu       sync.RWMutex
	handlers map[string]Handler

	sub Subscription
}

// EndpointOption configures an Endpoint at construction.
type EndpointOption func(*Endpoint)

// WithEndpointLogger overrides the bus logger for this endpoint.
func WithEndpointLogger(l *xlog.Logger) EndpointOption {
	return func(e *Endpoint) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithHandlerMiddleware appends middleware applied to every handler, outside
// the always-present recovery wrapper.
func WithHandlerMiddleware(mw ...Middleware) EndpointOption {
	return func(e *Endpoint) {
		e.middlewares = append(e.middlewares, mw...)
	}
}

// NewEndpoint registers a named participant on the bus. The endpoint is live
// immediately: its dispatch subscription is installed before return.
func NewEndpoint(name string, bus *Bus, opts ...EndpointOption) (*Endpoint, error) {
	if name == "" {
		return nil, ErrNoEndpointName
	}
	if bus == nil {
		return nil, errors.New("abus: endpoint requires a bus")
	}

	e := &Endpoint{
		name:     name,
		bus:      bus,
		logger:   bus.logger,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = e.logger.With(xlog.Str("endpoint", name))
	e.sub = bus.Subscribe(KindAny, e.dispatch)
	return e, nil
}

// Name returns the endpoint's bus name.
func (e *Endpoint) Name() string { return e.name }

// Close removes the endpoint's subscription. Messages addressed to the name
// afterwards are still accepted by the bus but go unhandled.
func (e *Endpoint) Close() error { return e.sub.Close() }

// RegisterHandler binds a handler to a message kind. Re-registering a kind
// replaces the previous handler.
func (e *Endpoint) RegisterHandler(kind string, h Handler) {
	if kind == "" || h == nil {
		return
	}
	e.mu.Lock()
	e.handlers[kind] = h
	e.mu.Unlock()
}

// UnregisterHandler removes the handler for a kind; it reports whether one
// was registered.
func (e *Endpoint) UnregisterHandler(kind string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[kind]; !ok {
		return false
	}
	delete(e.handlers, kind)
	return true
}

// dispatch is the endpoint's wildcard subscriber. The bus broadcasts to all
// endpoints; addressing is enforced here.
func (e *Endpoint) dispatch(ctx context.Context, msg *Message) error {
	if msg.Recipient != e.name {
		return nil
	}
	e.mu.RLock()
	h, ok := e.handlers[msg.Kind]
	e.mu.RUnlock()
	if !ok {
		// No handler for this kind: the message stays in history unanswered.
		return nil
	}

	// Always enable panic recovery first for dependability. The outer guard
	// covers configured middleware too, so a panic anywhere in the chain
	// still produces an error reply instead of surfacing into fan-out.
	wrapped := Chain(RecoveryMiddleware()(h), e.middlewares...)
	if len(e.middlewares) > 0 {
		wrapped = RecoveryMiddleware()(wrapped)
	}

	reply, err := wrapped(ctx, msg)
	if err != nil {
		e.logger.Warn().Err(err).Str("kind", msg.Kind).Str("from", msg.Sender).Msg("abus: handler failed")
		e.publishReply(ctx, msg, KindError, err.Error(), map[string]any{"error": true})
		return nil
	}
	if reply != "" {
		e.publishReply(ctx, msg, ReplyKind(msg.Kind), reply, map[string]any{"auto_reply": true})
	}
	return nil
}

func (e *Endpoint) publishReply(ctx context.Context, orig *Message, kind, payload string, meta map[string]any) {
	r := NewMessage(e.name, kind, payload)
	r.Recipient = orig.Sender
	r.InReplyTo = orig.ID
	r.Metadata = meta
	if _, err := e.bus.Publish(ctx, r); err != nil {
		e.logger.Warn().Err(err).Str("in_reply_to", orig.ID).Msg("abus: reply publish failed")
	}
}

type sendOptions struct {
	metadata  map[string]any
	inReplyTo string
}

// SendOption customizes an outgoing message.
type SendOption func(*sendOptions)

// WithMetadata attaches metadata to the outgoing message.
func WithMetadata(md map[string]any) SendOption {
	return func(o *sendOptions) { o.metadata = md }
}

// ReplyingTo marks the outgoing message as a manual reply.
func ReplyingTo(id string) SendOption {
	return func(o *sendOptions) { o.inReplyTo = id }
}

// Send publishes a message from this endpoint and returns its id. An empty
// recipient broadcasts to every wildcard subscriber.
func (e *Endpoint) Send(ctx context.Context, to, kind, payload string, opts ...SendOption) (string, error) {
	var so sendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&so)
		}
	}
	msg := NewMessage(e.name, kind, payload)
	msg.Recipient = to
	msg.InReplyTo = so.inReplyTo
	msg.Metadata = so.metadata
	return e.bus.Publish(ctx, msg)
}

// Request sends a message and blocks for its first reply. The reply may be
// an automatic reply, a manual one, or an error-kind message; inspect
// Kind/Metadata to tell them apart. Timeout expiry yields ErrAwaitTimeout.
func (e *Endpoint) Request(ctx context.Context, to, kind, payload string, timeout time.Duration, opts ...SendOption) (*Message, error) {
	id, err := e.Send(ctx, to, kind, payload, opts...)
	if err != nil {
		return nil, err
	}
	return e.bus.AwaitReply(ctx, id, timeout)
}

// Ask is the query convenience: a KindQuery request returning the reply
// payload. timeout <= 0 defaults to DefaultAskTimeout.
func (e *Endpoint) Ask(ctx context.Context, to, text string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultAskTimeout
	}
	reply, err := e.Request(ctx, to, KindQuery, text, timeout)
	if err != nil {
		return "", err
	}
	return reply.Payload, nil
}

// History returns this endpoint's view of bus history, newest-first. kinds
// narrows to the given kinds; onlyOwn keeps messages the endpoint sent or
// received. limit <= 0 returns everything that matches.
func (e *Endpoint) History(limit int, kinds []string, onlyOwn bool) []*Message {
	q := Query{}
	if len(kinds) == 1 && !onlyOwn {
		q.Kind = kinds[0]
		q.Limit = limit
	}
	msgs := e.bus.Query(q)
	if q.Kind != "" {
		return msgs
	}

	kindSet := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}
	var out []*Message
	for _, m := range msgs {
		if len(kindSet) > 0 {
			if _, ok := kindSet[m.Kind]; !ok {
				continue
			}
		}
		if onlyOwn && m.Sender != e.name && m.Recipient != e.name {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
