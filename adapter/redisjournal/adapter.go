package redisjournal

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaywire/abus"
)

// Adapter: Redis Stream Journal (Strategy + Adapter patterns)

const JournalName = "redis-stream"

func init() {
	if err := abus.RegisterJournal(JournalName, func(cfg map[string]any) (abus.Journal, error) {
		return NewJournal(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("abus: failed to register journal %q: %w", JournalName, err))
	}
}

// Field constants (avoid typos/allocs)
const (
	fieldID        = "id"
	fieldTimestamp = "ts" // int64 ns
	fieldSender    = "sender"
	fieldRecipient = "recipient"
	fieldKind      = "kind"
	fieldPayload   = "payload"
	fieldInReplyTo = "in_reply_to"
	fieldMetadata  = "metadata" // JSON blob
)

// Config for the Redis Stream journal.
type Config struct {
	// Client options
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Stream is the key all messages append to.
	Stream string
	// MaxLenApprox trims the stream approximately when > 0.
	MaxLenApprox int64
}

// Defaults returns a Config for a local unauthenticated Redis.
func Defaults() Config {
	return Config{
		Addr:   "127.0.0.1:6379",
		Stream: "abus-journal",
	}
}

// toMap converts typed Config into the generic map expected by the journal factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"stream":          c.Stream,
		"max_len_approx":  c.MaxLenApprox,
	}
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getString := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return d
	}
	getInt64 := func(k string, d int64) int64 {
		switch v := cfg[k].(type) {
		case int:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return d
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}
	return Config{
		Addr:          getString("addr", "127.0.0.1:6379"),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),
		Stream:        getString("stream", "abus-journal"),
		MaxLenApprox:  getInt64("max_len_approx", 0),
	}
}

type journal struct {
	cfg    Config
	client *redis.Client

	closeOnce sync.Once
}

// NewJournal connects, pings, and returns a Redis Stream journal.
func NewJournal(cfg Config) (abus.Journal, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		return nil, err
	}
	return &journal{cfg: cfg, client: client}, nil
}

func (j *journal) Append(ctx context.Context, msg *abus.Message) error {
	vals := map[string]any{
		fieldID:        msg.ID,
		fieldTimestamp: msg.Timestamp.UnixNano(),
		fieldSender:    msg.Sender,
		fieldKind:      msg.Kind,
		fieldPayload:   msg.Payload,
	}
	if msg.Recipient != "" {
		vals[fieldRecipient] = msg.Recipient
	}
	if msg.InReplyTo != "" {
		vals[fieldInReplyTo] = msg.InReplyTo
	}
	if len(msg.Metadata) > 0 {
		blob, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("redisjournal: encode metadata: %w", err)
		}
		vals[fieldMetadata] = blob
	}

	args := &redis.XAddArgs{
		Stream: j.cfg.Stream,
		ID:     "*",
		Values: vals,
	}
	if j.cfg.MaxLenApprox > 0 {
		args.MaxLen = j.cfg.MaxLenApprox
		args.Approx = true
	}
	return j.client.XAdd(ctx, args).Err()
}

// LoadAll replays the whole stream. Entries missing identity or timestamp
// are skipped, never fatal.
func (j *journal) LoadAll(ctx context.Context) ([]*abus.Message, error) {
	entries, err := j.client.XRange(ctx, j.cfg.Stream, "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redisjournal: xrange: %w", err)
	}

	out := make([]*abus.Message, 0, len(entries))
	for i := range entries {
		if msg := decodeEntry(entries[i].Values); msg != nil {
			out = append(out, msg)
		}
	}
	return out, nil
}

func decodeEntry(vals map[string]any) *abus.Message {
	msg := &abus.Message{
		ID:        asString(vals[fieldID]),
		Sender:    asString(vals[fieldSender]),
		Recipient: asString(vals[fieldRecipient]),
		Kind:      asString(vals[fieldKind]),
		Payload:   asString(vals[fieldPayload]),
		InReplyTo: asString(vals[fieldInReplyTo]),
	}
	if msg.ID == "" {
		return nil
	}
	ns, ok := toInt64(vals[fieldTimestamp])
	if !ok || ns <= 0 {
		return nil
	}
	msg.Timestamp = time.Unix(0, ns)

	if raw := asString(vals[fieldMetadata]); raw != "" {
		md := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &md); err == nil {
			msg.Metadata = md
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}

func (j *journal) Close(_ context.Context) error {
	var err error
	j.closeOnce.Do(func() {
		err = j.client.Close()
	})
	return err
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
