// Package sqlsafety normalizes model-generated SQL and rejects anything
// other than a single read-only SELECT or WITH statement.
package sqlsafety

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrSafetyViolation matches every error returned by EnsureSafe
var ErrSafetyViolation = errors.New("sql safety violation")

// ViolationMessage is the human-readable text surfaced to job subscribers
const ViolationMessage = "Safety Violation: Generated SQL contains forbidden keywords (DML/DDL) or does not start with SELECT."

// ForbiddenKeywords may not appear as whole words in a safe statement
var ForbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "MERGE", "ALTER", "DROP", "TRUNCATE",
	"EXEC", "EXECUTE", "CREATE", "GRANT", "REVOKE", "BACKUP", "RESTORE",
	"INTO", "PRAGMA", "DBCC", "DENY",
}

var (
	fencePattern     = regexp.MustCompile("(?s)```(?:[A-Za-z0-9_+-]*[ \t]*\r?\n)?(.*?)```")
	leadPattern      = regexp.MustCompile(`(?i)\b(SELECT|WITH)\b`)
	forbiddenPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(ForbiddenKeywords, "|") + `)\b`)
)

// Verdict is the outcome of Classify
type Verdict struct {
	Safe   bool
	Reason string
}

// ViolationError carries the reason an input was rejected
type ViolationError struct {
	SQL    string
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s (%s)", ViolationMessage, e.Reason)
}

// Is lets errors.Is(err, ErrSafetyViolation) match
func (e *ViolationError) Is(target error) bool {
	return target == ErrSafetyViolation
}

// Normalize extracts the statement from surrounding prose or a fenced block.
// The first fenced block wins; leading text before the first SELECT or WITH
// token is discarded. Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	sql := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(sql); m != nil {
		sql = strings.TrimSpace(m[1])
	}
	if loc := leadPattern.FindStringIndex(sql); loc != nil {
		sql = strings.TrimSpace(sql[loc[0]:])
	}
	return sql
}

// Classify reports whether sql is a read-only statement
func Classify(sql string) Verdict {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	if upper == "" {
		return Verdict{Safe: false, Reason: "empty statement"}
	}
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return Verdict{Safe: false, Reason: fmt.Sprintf("statement starts with %q", leadingToken(upper))}
	}
	if m := forbiddenPattern.FindString(upper); m != "" {
		return Verdict{Safe: false, Reason: fmt.Sprintf("forbidden keyword %s", m)}
	}
	return Verdict{Safe: true}
}

// EnsureSafe returns a *ViolationError when sql is not safe to execute
func EnsureSafe(sql string) error {
	v := Classify(sql)
	if v.Safe {
		return nil
	}
	return &ViolationError{SQL: sql, Reason: v.Reason}
}

func leadingToken(s string) string {
	if i := strings.IndexAny(s, " \t\r\n(;"); i > 0 {
		return s[:i]
	}
	return s
}
