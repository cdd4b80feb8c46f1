package agent

import (
	"context"
	"errors"
	"strings"
)

// ClassifySQLError maps a database error message to a verdict plus a short
// reason. Rule order matters: table existence is checked before column
// existence because Postgres phrases both with "does not exist".
func ClassifySQLError(message string) (string, string) {
	err := strings.ToLower(message)
	switch {
	case strings.Contains(err, "relation") && strings.Contains(err, "does not exist"):
		return VerdictTableMissing, "table does not exist"
	case strings.Contains(err, "column") && strings.Contains(err, "does not exist"):
		return VerdictColumnMissing, "column does not exist"
	case strings.Contains(err, "syntax error") || strings.Contains(err, "at or near"):
		return VerdictSQLBad, "SQL syntax error"
	case strings.Contains(err, "permission denied"):
		return VerdictPermission, "permission denied"
	case strings.Contains(err, "invalid input syntax") || strings.Contains(err, "cannot cast"):
		return VerdictTypeError, "type conversion error"
	case strings.Contains(err, "division by zero"):
		return VerdictSQLBad, "division by zero"
	case strings.Contains(err, "timeout"):
		return VerdictTimeout, "query timed out"
	case strings.Contains(err, "could not connect") || strings.Contains(err, "connection"):
		return VerdictDBConnError, "database connection error"
	default:
		return VerdictSQLBad, "unrecognized SQL error"
	}
}

// IsRetryableVerdict reports whether regenerating the SQL with the error as
// context can plausibly fix the failure.
func IsRetryableVerdict(verdict string) bool {
	switch verdict {
	case VerdictSQLBad, VerdictColumnMissing, VerdictTypeError:
		return true
	default:
		return false
	}
}

// normalizeExecError classifies an execution error, treating context
// deadline/cancellation as a tool timeout verdict.
func normalizeExecError(err error) (string, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return VerdictTimeout, "query timed out"
	}
	if errors.Is(err, context.Canceled) {
		return VerdictTimeout, "query cancelled"
	}
	return ClassifySQLError(err.Error())
}
