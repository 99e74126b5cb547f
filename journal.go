package abus

import (
	"context"
	"errors"
	"sync"
)

// Journal is the Strategy interface for the durable audit trail. Append
// failures degrade durability only: the bus reports them and carries on
// delivering. LoadAll returns every persisted record it could parse;
// malformed records are the adapter's to skip, dedup and ordering are the
// bus's (see Bus.LoadJournal).
type Journal interface {
	// Append persists one published message.
	Append(ctx context.Context, msg *Message) error
	// LoadAll reads back every persisted message, in whatever order the
	// backing store yields them.
	LoadAll(ctx context.Context) ([]*Message, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// JournalFactory constructs journals from a config blob.
type JournalFactory func(cfg map[string]any) (Journal, error)

var (
	journalRegistryMu sync.RWMutex
	journalRegistry   = map[string]JournalFactory{}
)

// RegisterJournal registers a durability adapter.
func RegisterJournal(name string, factory JournalFactory) error {
	if name == "" {
		return errors.New("journal name must not be empty")
	}
	if factory == nil {
		return errors.New("journal factory must not be nil")
	}
	journalRegistryMu.Lock()
	journalRegistry[name] = factory
	journalRegistryMu.Unlock()
	return nil
}

// NewJournal constructs a journal by name with config.
func NewJournal(name string, cfg map[string]any) (Journal, error) {
	journalRegistryMu.RLock()
	f, ok := journalRegistry[name]
	journalRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownJournal{name: name}
	}
	return f(cfg)
}
