package ledger

import (
	"errors"
	"strings"
)

// Error kinds surfaced to callers. Handlers map these onto HTTP statuses,
// the bot onto user-facing replies. Wrap sites add context with %w, so
// callers test with errors.Is.
var (
	// ErrNotFound: the referenced certificate, user, raffle or option does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict: duplicate raffle entry or duplicate vote.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState: raffle not active or past its end, certificate inactive,
	// purchase not pending.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnavailable: the durable store failed; retry is up to the caller.
	ErrUnavailable = errors.New("storage unavailable")
)

// isUniqueViolation matches sqlite unique-constraint failures without tying
// the ledger to a particular driver (both go-sqlite3 and libsql report the
// same message text).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
