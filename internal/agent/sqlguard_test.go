package agent

import (
	"strings"
	"testing"
)

func TestGuardSQLAcceptsSelectAndWith(t *testing.T) {
	cases := []string{
		"SELECT * FROM metrics_cpu",
		"  select ts, cpu_percent from metrics_cpu  ",
		"WITH recent AS (SELECT * FROM metrics_cpu) SELECT * FROM recent",
	}
	for _, sql := range cases {
		if _, reason, ok := GuardSQL(sql); !ok {
			t.Errorf("rejected valid SQL %q: %s", sql, reason)
		}
	}
}

func TestGuardSQLRejectsDestructiveStatements(t *testing.T) {
	cases := []struct {
		sql, keyword string
	}{
		{"DELETE FROM metrics_cpu", "SELECT"},
		{"DROP TABLE metrics_cpu", "SELECT"},
		{"SELECT * FROM t; DROP TABLE t", "statements"},
		{"SELECT * FROM t WHERE id = 1 UNION SELECT * FROM t2; DELETE FROM t", "statements"},
		{"WITH x AS (DELETE FROM t RETURNING *) SELECT * FROM x", "DELETE"},
	}
	for _, tc := range cases {
		_, reason, ok := GuardSQL(tc.sql)
		if ok {
			t.Errorf("accepted unsafe SQL %q", tc.sql)
			continue
		}
		if !strings.Contains(reason, tc.keyword) {
			t.Errorf("reason %q for %q does not mention %q", reason, tc.sql, tc.keyword)
		}
	}
}

func TestGuardSQLStripsFencesAndSemicolon(t *testing.T) {
	normalized, _, ok := GuardSQL("```sql\nSELECT 1;\n```")
	if !ok {
		t.Fatal("fenced SELECT must pass")
	}
	if normalized != "SELECT 1" {
		t.Fatalf("normalized = %q", normalized)
	}
}

func TestGuardSQLRejectsEmpty(t *testing.T) {
	if _, _, ok := GuardSQL("   "); ok {
		t.Fatal("empty SQL must be rejected")
	}
}

func TestEnsureLimit(t *testing.T) {
	if got := EnsureLimit("SELECT * FROM t", 100); got != "SELECT * FROM t LIMIT 100" {
		t.Fatalf("got %q", got)
	}
	if got := EnsureLimit("SELECT * FROM t LIMIT 5", 100); got != "SELECT * FROM t LIMIT 5" {
		t.Fatalf("existing limit must be kept, got %q", got)
	}
}
