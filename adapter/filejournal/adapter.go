package filejournal

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/relaywire/abus"
)

// Adapter: file-backed Journal (Strategy + Adapter patterns)

const JournalName = "file"

const (
	filePrefix = "messages_"
	fileSuffix = ".jsonl"
	dateLayout = "20060102"
)

func init() {
	if err := abus.RegisterJournal(JournalName, func(cfg map[string]any) (abus.Journal, error) {
		return NewJournal(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("abus: failed to register journal %q: %w", JournalName, err))
	}
}

// Config for the file journal.
type Config struct {
	// Dir is the partition directory. Created if missing.
	Dir string
	// Codec selects the registered wire codec (default: json).
	Codec string
	// MaxLineBytes caps a single record on load (default: 4 MiB).
	MaxLineBytes int
}

// toMap converts typed Config into the generic map expected by the journal factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"dir":            c.Dir,
		"codec":          c.Codec,
		"max_line_bytes": c.MaxLineBytes,
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
	return Config{
		Dir:          getString("dir", "message_log"),
		Codec:        getString("codec", "json"),
		MaxLineBytes: getInt("max_line_bytes", 4<<20),
	}
}

type journal struct {
	cfg   Config
	codec abus.Codec

	// mu serializes appends so concurrent publishes never interleave lines.
	mu      sync.Mutex
	skipped atomic.Uint64
}

// NewJournal creates the partition directory and returns a file journal.
func NewJournal(cfg Config) (abus.Journal, error) {
	if cfg.Dir == "" {
		cfg.Dir = "message_log"
	}
	if cfg.Codec == "" {
		cfg.Codec = "json"
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 4 << 20
	}
	codec, err := abus.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("filejournal: create dir: %w", err)
	}
	return &journal{cfg: cfg, codec: codec}, nil
}

// partition names the day file a message belongs to, by its timestamp.
func (j *journal) partition(msg *abus.Message) string {
	return filepath.Join(j.cfg.Dir, filePrefix+msg.Timestamp.Format(dateLayout)+fileSuffix)
}

func (j *journal) Append(_ context.Context, msg *abus.Message) error {
	data, err := abus.EncodeMessage(j.codec, msg)
	if err != nil {
		return fmt.Errorf("filejournal: encode: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.partition(msg), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("filejournal: open partition: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("filejournal: write: %w", err)
	}
	return nil
}

// LoadAll reads every partition in name order. Malformed lines are skipped
// and counted, never fatal: one corrupt record must not hide a day of
// history.
func (j *journal) LoadAll(_ context.Context) ([]*abus.Message, error) {
	pattern := filepath.Join(j.cfg.Dir, filePrefix+"*"+fileSuffix)
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("filejournal: glob: %w", err)
	}
	sort.Strings(paths)

	var out []*abus.Message
	for _, p := range paths {
		msgs, err := j.loadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

func (j *journal) loadFile(path string) ([]*abus.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filejournal: open %s: %w", path, err)
	}
	defer f.Close()

	var out []*abus.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), j.cfg.MaxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := abus.DecodeMessage(j.codec, line)
		if err != nil {
			j.skipped.Add(1)
			continue
		}
		out = append(out, msg)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("filejournal: scan %s: %w", path, err)
	}
	return out, nil
}

// Skipped reports how many malformed records LoadAll has discarded.
func (j *journal) Skipped() uint64 { return j.skipped.Load() }

func (j *journal) Close(_ context.Context) error { return nil }
