package agent

import (
	"fmt"
	"regexp"
	"strings"
)

var forbiddenKeywords = []string{
	"DROP", "DELETE", "UPDATE", "INSERT", "ALTER", "TRUNCATE",
	"GRANT", "REVOKE", "CREATE", "REPLACE",
}

var (
	fencePattern     = regexp.MustCompile("(?is)```(?:sql)?\\s*(.*?)```")
	forbiddenPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(forbiddenKeywords, "|") + `)\b`)
	limitPattern     = regexp.MustCompile(`(?i)\bLIMIT\b`)
)

// StripFences extracts SQL from a markdown code block if one is present.
func StripFences(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// GuardSQL validates a generated statement: SELECT/WITH only, single
// statement, no destructive keyword anywhere (word-boundary match, so a
// string literal containing "INSERT_ID" would still be rejected rather than
// risk a false negative). Returns the normalized SQL or a rejection reason.
func GuardSQL(sql string) (string, string, bool) {
	if strings.TrimSpace(sql) == "" {
		return "", "generated SQL is empty", false
	}
	normalized := StripFences(sql)
	normalized = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(normalized), ";"))
	if normalized == "" {
		return "", "generated SQL is empty", false
	}

	upper := strings.ToUpper(normalized)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return "", "only SELECT or WITH statements are allowed", false
	}
	if strings.Contains(normalized, ";") {
		return "", "multiple statements are not allowed", false
	}
	if m := forbiddenPattern.FindString(normalized); m != "" {
		return "", fmt.Sprintf("forbidden keyword present: %s", strings.ToUpper(m)), false
	}
	return normalized, "", true
}

// EnsureLimit appends a row cap when the statement has no LIMIT clause.
func EnsureLimit(sql string, max int) string {
	if limitPattern.MatchString(sql) {
		return sql
	}
	return fmt.Sprintf("%s LIMIT %d", strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";")), max)
}
