package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nicodishanthj/sqlsage/internal/common"
	"github.com/nicodishanthj/sqlsage/internal/llm/providers"
)

// maxFailedQueriesInPrompt caps how many failed attempts feed back into the
// regeneration prompt.
const maxFailedQueriesInPrompt = 3

// generateSQL produces one SQL attempt. The generator may signal
// insufficient context, which triggers table expansion from the cache and a
// second pass within the same attempt; at most two inner passes so an
// indecisive model cannot stall the cycle.
func (e *Engine) generateSQL(ctx context.Context, st *TurnState, emit Emitter) *Failure {
	const maxInnerLoops = 2
	expandFailed := false

	for loop := 0; loop < maxInnerLoops; loop++ {
		messages := e.buildGenerateMessages(st, expandFailed)
		response, err := e.llm.ChatJSON(ctx, messages)
		if err != nil {
			if ctx.Err() != nil {
				return &Failure{Kind: FailToolTimeout, Message: "SQL generation timed out"}
			}
			return &Failure{Kind: FailFatal, Message: "SQL generation failed"}
		}

		var parsed struct {
			SQL             string `json:"sql"`
			NeedsMoreTables bool   `json:"needs_more_tables"`
		}
		if err := decodeJSONBlock(response, &parsed); err != nil {
			// Some models answer with bare SQL despite the JSON contract.
			common.Logger().Warn("agent: generator response not JSON, using raw SQL fallback")
			st.GeneratedSQL = StripFences(response)
			return nil
		}

		if parsed.NeedsMoreTables && !expandFailed {
			if st.TableExpandCount >= e.cfg.MaxTableExpand {
				st.logRetry("generator asked for more tables but the expansion budget is spent")
				expandFailed = true
				continue
			}
			st.TableExpandCount++
			added := st.expandTables(nil, e.cfg.ExpandStep)
			if len(added) == 0 {
				st.logRetry("generator asked for more tables but no cached candidates remain")
				expandFailed = true
				continue
			}
			emit.status(describeAdded(added))
			continue
		}

		st.GeneratedSQL = strings.TrimSpace(parsed.SQL)
		return nil
	}

	// Inner loop exhausted without a statement; the safety guard rejects the
	// empty SQL and charges the retry budget.
	st.GeneratedSQL = ""
	return nil
}

func (e *Engine) buildGenerateMessages(st *TurnState, expandFailed bool) []providers.Message {
	req := st.Request
	feedback := st.ValidationReason
	if expandFailed {
		feedback += "\n(note: no additional tables are available; answer with the tables listed)"
	}
	user := fmt.Sprintf(generateSQLUser,
		req.Intent,
		displayBound(req.TimeRange.Start, req.TimeRange.Mode),
		displayBound(req.TimeRange.End, req.TimeRange.Mode),
		req.Metric,
		req.Condition,
		strings.Join(st.ActiveIDs(), ", "),
		st.tableContext(),
		failedQueriesBlock(st.FailedQueries),
		feedback,
	)
	return []providers.Message{
		{Role: "system", Content: generateSQLSystem},
		{Role: "user", Content: user},
	}
}

func displayBound(bound, mode string) string {
	if mode == ModeAllTime || bound == "" {
		return "(entire history)"
	}
	return bound
}

func failedQueriesBlock(failed []string) string {
	if len(failed) == 0 {
		return "(none)"
	}
	if len(failed) > maxFailedQueriesInPrompt {
		failed = failed[len(failed)-maxFailedQueriesInPrompt:]
	}
	var b strings.Builder
	for i, q := range failed {
		fmt.Fprintf(&b, "%d) %s\n", i+1, q)
	}
	return b.String()
}

// rememberFailedQuery records a rejected or failed statement, deduplicating
// consecutive repeats.
func (s *TurnState) rememberFailedQuery(sql string) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return
	}
	if n := len(s.FailedQueries); n > 0 && s.FailedQueries[n-1] == sql {
		return
	}
	s.FailedQueries = append(s.FailedQueries, sql)
}
