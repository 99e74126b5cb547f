package abus

import (
	"errors"
	"fmt"
)

var (
	ErrBusClosed   = errors.New("abus: bus is closed")
	ErrNilMessage  = errors.New("abus: message must not be nil")
	ErrEmptySender = errors.New("abus: message sender must not be empty")
	ErrEmptyKind   = errors.New("abus: message kind must not be empty")

	// ErrDuplicateID is returned by Publish when a message reuses the id of
	// a message already accepted by the bus.
	ErrDuplicateID = errors.New("abus: duplicate message id")

	// ErrAwaitTimeout is returned by AwaitReply/Request/Ask when no
	// correlated reply arrived within the timeout.
	ErrAwaitTimeout = errors.New("abus: timed out awaiting reply")

	ErrHandlerPanic                = errors.New("abus: handler panicked")
	ErrObserverPoolShutdownTimeout = errors.New("abus: observer pool shutdown timed out")
	ErrNoEndpointName              = errors.New("abus: endpoint name must not be empty")
)

// ErrUnknownJournal reports a journal adapter name with no registered factory.
type ErrUnknownJournal struct{ name string }

func (e ErrUnknownJournal) Error() string { return fmt.Sprintf("unknown journal: %s", e.name) }
