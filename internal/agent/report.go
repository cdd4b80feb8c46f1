package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nicodishanthj/sqlsage/internal/common"
	"github.com/nicodishanthj/sqlsage/internal/llm/providers"
)

// generateReport writes the final answer. It always produces something: when
// the LLM itself is unreachable a plain fallback carries the failure reason,
// so the caller never sees a raw internal error.
func (e *Engine) generateReport(ctx context.Context, st *TurnState) {
	status := st.Verdict
	if status == "" {
		status = VerdictOK
	}
	reason := st.ValidationReason
	if st.Failure != nil {
		status = st.Failure.Kind
		reason = st.Failure.Message
	}
	if reason == "" {
		reason = "(none)"
	}
	sql := st.GeneratedSQL
	if sql == "" {
		sql = "(no SQL was produced)"
	}

	rowsSample, _ := json.Marshal(sampleRows(st.Rows, 5))
	user := fmt.Sprintf(generateReportUser, st.Question, status, sql, string(rowsSample), reason)
	answer, err := e.llm.Chat(ctx, []providers.Message{
		{Role: "system", Content: generateReportSystem},
		{Role: "user", Content: user},
	})
	if err != nil {
		common.Logger().Warn("agent: report generation failed, using fallback", "error", err)
		if st.Failure != nil || status != VerdictOK {
			answer = fmt.Sprintf("The question could not be answered: %s", reason)
		} else {
			answer = fmt.Sprintf("Query executed. %d rows returned.", len(st.Rows))
		}
	}
	st.Report = answer
}
