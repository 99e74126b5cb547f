package filejournal

import (
	"fmt"

	"github.com/relaywire/abus"
)

// Use constructs a file journal from typed config for explicit wiring into a
// BusBuilder (WithJournalInstance), mirroring xlog/zerolog.Use.
//
// It fails fast by panicking if construction fails (production-friendly when
// the journal must be available at startup).
func Use(cfg Config) abus.Journal {
	j, err := abus.NewJournal(JournalName, cfg.toMap())
	if err != nil {
		panic(fmt.Errorf("filejournal.Use: %w", err))
	}
	return j
}
