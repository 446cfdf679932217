package model

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent marks a log whose topics or data do not fit the
	// event shape selected by its topic0.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrStorageConflict is returned when a write collides with an existing
	// row in a way the idempotent upsert cannot absorb.
	ErrStorageConflict = errors.New("storage conflict")
	// ErrFatal marks configuration or storage failures that abort a worker.
	ErrFatal = errors.New("fatal")
)

// MalformedEventError describes a decode failure with the raw log attached.
type MalformedEventError struct {
	Event  string
	Log    LogRecord
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event tx=%s log=%d topic0=%s data=%s: %s",
		e.Event, e.Log.TxHash, e.Log.LogIndex, e.Log.Topic0(), e.Log.Data, e.Reason)
}

func (e *MalformedEventError) Unwrap() error {
	return ErrMalformedEvent
}
