// Package shared provides SQLite error classification and the JSON error
// body written by every HTTP layer.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import "strings"

// IsSQLiteBusyError reports a SQLITE_BUSY error: another connection holds
// the write lock past the busy timeout.
func IsSQLiteBusyError(err error) bool {
	return errContains(err, "SQLITE_BUSY")
}

// IsSQLiteLockedError reports a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	return errContains(err, "database is locked")
}

// IsSQLiteConflictError reports either form of SQLite lock contention.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// IsUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func IsUniqueViolation(err error) bool {
	return errContains(err, "UNIQUE constraint failed")
}

func errContains(err error, needle string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), needle)
}
