package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/nicodishanthj/sqlsage/internal/common"
	"github.com/nicodishanthj/sqlsage/internal/llm/providers"
)

var (
	dateLiteralPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	timeFuncPattern    = regexp.MustCompile(`(?i)\b(now\(\)|current_timestamp|current_date|interval\s+'[^']*')`)
	aggregatePattern   = regexp.MustCompile(`(?i)\b(avg|sum|count|min|max)\s*\(`)
)

// hasTimePredicate reports whether the statement carries any temporal
// filtering, detected by date literals or time functions.
func hasTimePredicate(sql string) bool {
	return dateLiteralPattern.MatchString(sql) || timeFuncPattern.MatchString(sql)
}

// checkTimeMode verifies the mode invariant against the executed SQL:
// all_time forbids temporal predicates, explicit and inherit require the
// bounds verbatim. Returns a mismatch reason or "".
func checkTimeMode(sql string, req *StructuredRequest) string {
	if req == nil {
		return ""
	}
	switch req.TimeRange.Mode {
	case ModeAllTime:
		if hasTimePredicate(sql) {
			return "the request has no time range but the SQL filters by time"
		}
	case ModeExplicit, ModeInherit:
		if req.TimeRange.Start != "" && !strings.Contains(sql, req.TimeRange.Start) {
			return fmt.Sprintf("the SQL does not use the requested start bound %s", req.TimeRange.Start)
		}
		if req.TimeRange.End != "" && !strings.Contains(sql, req.TimeRange.End) {
			return fmt.Sprintf("the SQL does not use the requested end bound %s", req.TimeRange.End)
		}
	}
	return ""
}

// validateResult runs the reflection step: two deterministic checks first
// (time-mode coherence and aggregate-emptiness), then an LLM verdict. Sets
// st.Verdict and st.ValidationReason; the engine routes on the verdict.
func (e *Engine) validateResult(ctx context.Context, st *TurnState) *Failure {
	if reason := checkTimeMode(st.GeneratedSQL, st.Request); reason != "" {
		st.Verdict = VerdictSQLBad
		st.ValidationReason = reason
		return nil
	}
	if aggregatePattern.MatchString(st.GeneratedSQL) && len(st.Rows) == 0 {
		st.Verdict = VerdictDataMissing
		st.ValidationReason = "an aggregate query returned no rows; conditions may be too narrow"
		return nil
	}

	req := st.Request
	rowsSample, _ := json.Marshal(sampleRows(st.Rows, 5))
	user := fmt.Sprintf(validateResultUser,
		st.Question,
		displayBound(req.TimeRange.Start, req.TimeRange.Mode),
		displayBound(req.TimeRange.End, req.TimeRange.Mode),
		st.GeneratedSQL,
		string(rowsSample),
		st.tableContext(),
	)
	response, err := e.llm.ChatJSON(ctx, []providers.Message{
		{Role: "system", Content: validateResultSystem},
		{Role: "user", Content: user},
	})
	if err != nil {
		if ctx.Err() != nil {
			return &Failure{Kind: FailToolTimeout, Message: "result validation timed out"}
		}
		// Accept on reflection failure: the deterministic checks passed.
		common.Logger().Warn("agent: reflection call failed, accepting result", "error", err)
		st.Verdict = VerdictOK
		return nil
	}

	var parsed struct {
		Verdict        string `json:"verdict"`
		FeedbackToSQL  string `json:"feedback_to_sql"`
		CorrectionHint string `json:"correction_hint"`
	}
	if err := decodeJSONBlock(response, &parsed); err != nil {
		common.Logger().Warn("agent: reflection response malformed, accepting result")
		st.Verdict = VerdictOK
		return nil
	}

	st.Verdict = parsed.Verdict
	if st.Verdict == "" {
		st.Verdict = VerdictOK
	}
	if st.Verdict != VerdictOK {
		st.ValidationReason = formatFeedback(parsed.FeedbackToSQL, parsed.CorrectionHint)
	} else {
		st.ValidationReason = ""
	}
	return nil
}

func formatFeedback(feedback, hint string) string {
	switch {
	case feedback != "" && hint != "":
		return feedback + "\nhint: " + hint
	case feedback != "":
		return feedback
	case hint != "":
		return "hint: " + hint
	default:
		return "result failed validation"
	}
}

func sampleRows(rows []map[string]interface{}, max int) []map[string]interface{} {
	if len(rows) <= max {
		return rows
	}
	return rows[:max]
}
