package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Error kinds, used as the error_kind label on cycle events and metrics.
const (
	ErrKindValidation        = "validation"
	ErrKindTransientFetch    = "transient_fetch"
	ErrKindStaleCursor       = "stale_cursor"
	ErrKindConcurrentAdvance = "concurrent_advance"
	ErrKindPersistence       = "persistence"
)

// ValidationError rejects a malformed upstream record. The record is logged
// and skipped; the cycle continues. Fingerprint identifies the offending raw
// payload for diagnostics without logging the full body.
type ValidationError struct {
	Reason      string
	Field       string
	Fingerprint string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid record (field %s): %s [payload %s]", e.Field, e.Reason, e.Fingerprint)
	}
	return fmt.Sprintf("invalid record: %s [payload %s]", e.Reason, e.Fingerprint)
}

// Fingerprint returns a short stable identifier for a raw payload.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// TransientFetchError is a network or upstream HTTP failure that survived the
// fetcher's own bounded retries. The ingestion loop backs off and retries the
// whole cycle.
type TransientFetchError struct {
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// StaleCursorError signals that the upstream no longer recognizes the
// requested paging token (pruned history window). The reconciler decides
// remediation; the fetcher never silently resets.
type StaleCursorError struct {
	Stream string
	Token  string
}

func (e *StaleCursorError) Error() string {
	return fmt.Sprintf("stale cursor for stream %s: token %q outside upstream history", e.Stream, e.Token)
}

// ConcurrentAdvanceError means another writer advanced the stream's cursor
// past the expected prior value: two loop instances are running against the
// same cursor key. The cycle aborts; nothing was persisted past the
// conflicting point.
type ConcurrentAdvanceError struct {
	Stream   string
	Expected string
}

func (e *ConcurrentAdvanceError) Error() string {
	return fmt.Sprintf("concurrent cursor advance on stream %s: expected token %q no longer current", e.Stream, e.Expected)
}

// PersistenceError is a write-layer failure. The cycle aborts without cursor
// advance and is safe to retry whole.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrorKind classifies an error into the taxonomy label, or "internal" when
// it falls outside it.
func ErrorKind(err error) string {
	var (
		ve  *ValidationError
		tfe *TransientFetchError
		sce *StaleCursorError
		cae *ConcurrentAdvanceError
		pe  *PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		return ErrKindValidation
	case errors.As(err, &tfe):
		return ErrKindTransientFetch
	case errors.As(err, &sce):
		return ErrKindStaleCursor
	case errors.As(err, &cae):
		return ErrKindConcurrentAdvance
	case errors.As(err, &pe):
		return ErrKindPersistence
	default:
		return "internal"
	}
}
