package agent

import (
	"context"
	"fmt"

	"github.com/nicodishanthj/sqlsage/internal/common"
	"github.com/nicodishanthj/sqlsage/internal/llm/providers"
)

// checkClarification asks whether the structured request carries enough
// information to query. On any gate failure the turn proceeds: a missed
// clarification degrades to a possibly-vague answer, never a dead turn.
func (e *Engine) checkClarification(ctx context.Context, st *TurnState) (bool, string) {
	req := st.Request
	messages := []providers.Message{
		{Role: "system", Content: clarificationSystem},
		{Role: "user", Content: fmt.Sprintf(clarificationUser, req.Intent, req.Metric, req.Condition, st.Question)},
	}
	response, err := e.llm.ChatJSON(ctx, messages)
	if err != nil {
		common.Logger().Warn("agent: clarification gate failed, proceeding", "error", err)
		return false, ""
	}
	var parsed struct {
		NeedsClarification bool   `json:"needs_clarification"`
		Question           string `json:"question"`
	}
	if err := decodeJSONBlock(response, &parsed); err != nil {
		return false, ""
	}
	if parsed.NeedsClarification && parsed.Question != "" {
		return true, parsed.Question
	}
	return false, ""
}
