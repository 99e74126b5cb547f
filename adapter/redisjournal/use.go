package redisjournal

import (
	"fmt"

	"github.com/relaywire/abus"
)

// Use constructs a Redis Stream journal from typed config for explicit
// wiring into a BusBuilder (WithJournalInstance).
//
// It fails fast by panicking if the connection cannot be established
// (production-friendly when durability must be available at startup).
func Use(cfg Config) abus.Journal {
	j, err := abus.NewJournal(JournalName, cfg.toMap())
	if err != nil {
		panic(fmt.Errorf("redisjournal.Use: %w", err))
	}
	return j
}
