package abus

import (
	"time"

	"github.com/google/uuid"
)

// Reserved kinds. KindAny is the wildcard subscription key matching every
// published message; KindQuery and KindError are the conventional kinds used
// by Endpoint.Ask and automatic error replies.
const (
	KindAny   = "*"
	KindQuery = "query"
	KindError = "error"
)

// ReplyKind derives the kind used for an automatic reply to a message of the
// given kind ("query" -> "reply_query").
func ReplyKind(kind string) string { return "reply_" + kind }

// Message is the unit of communication between endpoints. A message is
// created once, published exactly once, and never mutated afterwards.
type Message struct {
	// ID uniquely identifies the message for the lifetime of a Bus.
	// Assigned at construction when not supplied.
	ID string
	// Timestamp is the creation time; the Bus assigns it at publish time
	// when zero.
	Timestamp time.Time
	// Sender is the name of the originating participant. Required.
	Sender string
	// Recipient names a single intended participant. Empty means broadcast:
	// the Bus delivers to all subscribers either way, and receiving
	// endpoints discard messages not addressed to them.
	Recipient string
	// Kind classifies the message's purpose and is the primary dispatch key.
	Kind string
	// Payload is the free-form text body.
	Payload string
	// InReplyTo carries the id of the message this one answers, establishing
	// the correlation used by synchronous waits.
	InReplyTo string
	// Metadata is a bag of auxiliary structured fields. It does not
	// participate in dispatch but is carried for handlers and the journal.
	Metadata map[string]any
}

// NewMessage builds a message with a fresh UUID. Recipient, InReplyTo and
// Metadata are set by the caller before publishing.
func NewMessage(sender, kind, payload string) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Sender:  sender,
		Kind:    kind,
		Payload: payload,
	}
}

// wireMessage is the persisted journal record form. Optional fields
// serialize as explicit nulls; timestamps as ISO-8601.
type wireMessage struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Sender    string         `json:"sender"`
	Recipient *string        `json:"recipient"`
	Kind      string         `json:"kind"`
	Payload   string         `json:"payload"`
	InReplyTo *string        `json:"in_reply_to"`
	Metadata  map[string]any `json:"metadata"`
}

// EncodeMessage serializes a message into its wire form using the codec.
func EncodeMessage(c Codec, m *Message) ([]byte, error) {
	if c == nil {
		c = JSONCodec{}
	}
	w := wireMessage{
		ID:        m.ID,
		Timestamp: m.Timestamp.Format(time.RFC3339Nano),
		Sender:    m.Sender,
		Kind:      m.Kind,
		Payload:   m.Payload,
		Metadata:  m.Metadata,
	}
	if m.Recipient != "" {
		w.Recipient = &m.Recipient
	}
	if m.InReplyTo != "" {
		w.InReplyTo = &m.InReplyTo
	}
	if w.Metadata == nil {
		w.Metadata = map[string]any{}
	}
	return c.Marshal(w)
}

// DecodeMessage parses a wire record back into a Message. Missing identity
// fields are defaulted rather than rejected, matching the permissive load
// contract; an unparseable timestamp makes the record malformed.
func DecodeMessage(c Codec, data []byte) (*Message, error) {
	if c == nil {
		c = JSONCodec{}
	}
	var w wireMessage
	if err := c.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return nil, err
	}

	m := &Message{
		ID:        w.ID,
		Timestamp: ts,
		Sender:    w.Sender,
		Kind:      w.Kind,
		Payload:   w.Payload,
		Metadata:  w.Metadata,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Sender == "" {
		m.Sender = "unknown"
	}
	if m.Kind == "" {
		m.Kind = "general"
	}
	if w.Recipient != nil {
		m.Recipient = *w.Recipient
	}
	if w.InReplyTo != nil {
		m.InReplyTo = *w.InReplyTo
	}
	return m, nil
}
