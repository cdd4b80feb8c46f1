package agent

import (
	"context"
	"fmt"

	"github.com/nicodishanthj/sqlsage/internal/common"
	"github.com/nicodishanthj/sqlsage/internal/llm/providers"
)

// classifyIntent splits questions into data questions (sql) and everything
// else (general). Any classifier failure defaults to sql so a data question
// is never silently dropped.
func (e *Engine) classifyIntent(ctx context.Context, st *TurnState) string {
	messages := []providers.Message{
		{Role: "system", Content: classifyIntentSystem},
		{Role: "user", Content: fmt.Sprintf(classifyIntentUser, st.Question)},
	}
	response, err := e.llm.ChatJSON(ctx, messages)
	if err != nil {
		common.Logger().Warn("agent: intent classification failed, defaulting to sql", "error", err)
		return "sql"
	}
	var parsed struct {
		Intent string `json:"intent"`
		Reason string `json:"reason"`
	}
	if err := decodeJSONBlock(response, &parsed); err != nil {
		return "sql"
	}
	switch parsed.Intent {
	case "general":
		common.Logger().Info("agent: classified as general chat", "reason", parsed.Reason)
		return "general"
	default:
		return "sql"
	}
}

// generalChat answers a non-data question directly using recent history.
func (e *Engine) generalChat(ctx context.Context, st *TurnState) *Failure {
	messages := []providers.Message{{Role: "system", Content: generalChatSystem}}
	messages = append(messages, trimHistory(st.History, 10)...)
	messages = append(messages, providers.Message{Role: "user", Content: st.Question})

	answer, err := e.llm.Chat(ctx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return &Failure{Kind: FailToolTimeout, Message: "the answer timed out"}
		}
		return &Failure{Kind: FailFatal, Message: "could not generate an answer"}
	}
	st.Report = answer
	st.Verdict = VerdictOK
	return nil
}

func trimHistory(history []providers.Message, max int) []providers.Message {
	if len(history) <= max {
		return history
	}
	return history[len(history)-max:]
}
