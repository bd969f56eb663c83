package histerrors

import (
	"errors"
	"fmt"
)

// Persistence sentinel errors. Shared by the storage, fallback and history
// packages to avoid circular imports; the history adapter branches on these
// to decide between the remote and fallback paths.
var (
	// ErrRemoteUnavailable covers connectivity, auth and timeout failures
	// talking to the remote store. Only this class of error triggers the
	// local fallback path.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrNotConfigured is reported when no DATABASE_URL was provided and
	// the process runs in fallback-only mode.
	ErrNotConfigured = errors.New("remote store not configured")

	// ErrTypeUnmapped means no canonical exercise type exists for a raw
	// type name. Writes recover via the unclassified type; reads return it
	// to the caller.
	ErrTypeUnmapped = errors.New("exercise type not mapped")

	// ErrDuplicateSession is reported when a write collides with an
	// existing session row. Replay treats it as already-synced.
	ErrDuplicateSession = errors.New("session already stored")

	// ErrPartialCommit flags a remote write whose outcome is unknown after
	// some rows may have been applied. Never reported as plain success.
	ErrPartialCommit = errors.New("remote write partially applied")

	// ErrFallbackWriteFailed is fatal for a save call: the record was
	// persisted nowhere and the caller must warn the user.
	ErrFallbackWriteFailed = errors.New("fallback write failed")
)

// ValidationError marks a structurally invalid record. Validation failures
// are surfaced to the caller immediately and never retried against the
// fallback store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
