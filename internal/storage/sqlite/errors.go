package sqlite

import (
	"strings"
)

// IsUniqueConstraintError checks if an error is a UNIQUE constraint
// violation. The driver does not expose a typed error for this, so we
// match on the SQLite error text.
func IsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusyError checks if an error is SQLITE_BUSY (another writer holds the lock).
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
