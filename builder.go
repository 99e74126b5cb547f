package abus

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern). There is no
// process-wide default bus: callers build one and pass it to every endpoint
// that needs it.
type BusBuilder struct {
	journalName string
	journalCfg  map[string]any
	journalInst Journal

	observers []Observer
	logger    *xlog.Logger
	clock     xclock.Clock

	poolCtx     context.Context
	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a new builder with sensible defaults. The journal is
// optional: a bus built without one is purely in-memory.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		poolWorkers: 4,
		poolBuffer:  1000,
	}
}

// WithJournal selects a registered durability adapter by name (Factory).
func (bb *BusBuilder) WithJournal(name string, cfg map[string]any) *BusBuilder {
	bb.journalName = name
	bb.journalCfg = cfg
	return bb
}

// WithJournalInstance accepts a ready Journal instance (e.g., from adapter Use()).
func (bb *BusBuilder) WithJournalInstance(j Journal) *BusBuilder {
	bb.journalInst = j
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	if len(obs) == 0 {
		return bb
	}
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithObserverPool sizes the async event dispatch pool.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	if workers > 0 {
		bb.poolWorkers = workers
	}
	if bufferSize > 0 {
		bb.poolBuffer = bufferSize
	}
	return bb
}

// WithPoolContext bounds the observer pool lifetime to ctx.
func (bb *BusBuilder) WithPoolContext(ctx context.Context) *BusBuilder {
	bb.poolCtx = ctx
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var jr Journal
	var err error

	switch {
	case bb.journalInst != nil:
		jr = bb.journalInst
	case bb.journalName != "":
		jr, err = NewJournal(bb.journalName, bb.journalCfg)
		if err != nil {
			return nil, err
		}
	}

	var clk xclock.Clock
	if bb.clock != nil {
		clk = bb.clock
	} else {
		clk = xclock.Default()
	}
	var lg *xlog.Logger
	if bb.logger != nil {
		lg = bb.logger
	} else {
		// Default to xlog new logger; Adapter pattern to platform logging.
		lg = xlog.Default()
	}

	poolCtx := bb.poolCtx
	if poolCtx == nil {
		poolCtx = context.Background()
	}

	b := &Bus{
		journal:      jr,
		clock:        clk,
		logger:       lg,
		observerPool: NewObserverPool(poolCtx, bb.poolWorkers, bb.poolBuffer),
		index:        make(map[string]*Message),
		subs:         newSubscriberTable(),
		waiters:      make(map[string][]chan *Message),
		metrics:      &busMetrics{},
	}

	// Attach logging observer first for dependable telemetry unless already supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver && lg != nil {
		b.AddObserver(LoggingObserver{Logger: lg})
	}

	// Attach any configured observers.
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
