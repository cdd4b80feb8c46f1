package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nicodishanthj/sqlsage/internal/common"
	"github.com/nicodishanthj/sqlsage/internal/llm/providers"
)

var jsonFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// decodeJSONBlock parses a JSON object out of an LLM response, tolerating a
// markdown code fence around it.
func decodeJSONBlock(text string, v interface{}) error {
	if m := jsonFencePattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	return json.Unmarshal([]byte(strings.TrimSpace(text)), v)
}

type rawParsedRequest struct {
	Intent    string   `json:"intent"`
	Metric    string   `json:"metric"`
	Condition string   `json:"condition"`
	Output    string   `json:"output"`
	Filters   []string `json:"filters"`
	TimeRange *struct {
		Start    string `json:"start"`
		End      string `json:"end"`
		Timezone string `json:"timezone"`
	} `json:"time_range"`
	IsFollowup bool `json:"is_followup"`
}

// parseRequest structures the question with one LLM call in JSON mode. A
// malformed response gets exactly one silent re-ask before surfacing a parse
// failure. Follow-up questions inherit the previous turn's metric and time
// range when the parser left them empty.
func (e *Engine) parseRequest(ctx context.Context, st *TurnState, prev *StructuredRequest) *Failure {
	messages := []providers.Message{
		{Role: "system", Content: parseRequestSystem},
		{Role: "user", Content: fmt.Sprintf(parseRequestUser, e.clock.Now().In(e.location).Format(time.RFC3339), st.Question)},
	}

	var raw rawParsedRequest
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		response, err := e.llm.ChatJSON(ctx, messages)
		if err != nil {
			if ctx.Err() != nil {
				return &Failure{Kind: FailToolTimeout, Message: "request parsing timed out"}
			}
			lastErr = err
			continue
		}
		raw = rawParsedRequest{}
		if err := decodeJSONBlock(response, &raw); err != nil {
			common.Logger().Warn("agent: parse response malformed, re-asking", "attempt", attempt+1, "error", err)
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return &Failure{Kind: FailParse, Message: "could not understand the question structure"}
	}

	req := &StructuredRequest{
		Intent:           strings.TrimSpace(raw.Intent),
		Metric:           strings.TrimSpace(raw.Metric),
		Condition:        strings.TrimSpace(raw.Condition),
		Output:           strings.TrimSpace(raw.Output),
		Filters:          raw.Filters,
		InheritsPrevious: raw.IsFollowup,
	}
	if req.Intent == "" {
		req.Intent = "unknown"
	}
	if raw.TimeRange != nil {
		req.TimeRange.Start = strings.TrimSpace(raw.TimeRange.Start)
		req.TimeRange.End = strings.TrimSpace(raw.TimeRange.End)
		req.TimeRange.Timezone = strings.TrimSpace(raw.TimeRange.Timezone)
	}

	if prev != nil && req.InheritsPrevious {
		if req.Metric == "" && prev.Metric != "" {
			req.Metric = prev.Metric
			common.Logger().Debug("agent: inherited metric from previous turn", "metric", prev.Metric)
		}
	}

	st.Request = req
	return nil
}
