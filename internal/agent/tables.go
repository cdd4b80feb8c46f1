package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nicodishanthj/sqlsage/internal/common"
	"github.com/nicodishanthj/sqlsage/internal/retriever"
)

// retrieveTables runs the single similarity search of the turn. The query is
// the structured request rendered back to text so the embedding reflects the
// guard-corrected request, not the raw question.
func (e *Engine) retrieveTables(ctx context.Context, st *TurnState) ([]retriever.Candidate, *Failure) {
	query := searchQuery(st)
	candidates, err := e.search.Retrieve(ctx, query, e.cfg.RetrieveK)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Failure{Kind: FailToolTimeout, Message: "table search timed out"}
		}
		return nil, &Failure{Kind: FailFatal, Message: "table search failed"}
	}
	if len(candidates) == 0 {
		return nil, &Failure{Kind: FailFatal, Message: "no tables match the question"}
	}
	common.Logger().Info("agent: tables retrieved", "candidates", len(candidates))
	return candidates, nil
}

func searchQuery(st *TurnState) string {
	req := st.Request
	if req == nil {
		return st.Question
	}
	parts := []string{st.Question}
	if req.Metric != "" {
		parts = append(parts, req.Metric)
	}
	if req.Condition != "" {
		parts = append(parts, req.Condition)
	}
	return strings.Join(parts, " ")
}

// selectTables partitions score-descending candidates: the top k become
// active, the rest are cached by id for later expansion. The two sets never
// overlap.
func (s *TurnState) selectTables(candidates []retriever.Candidate, k int) {
	if k > len(candidates) {
		k = len(candidates)
	}
	s.ActiveTables = append([]retriever.Candidate(nil), candidates[:k]...)
	s.CachedTables = make(map[string]retriever.Candidate, len(candidates)-k)
	s.CachedOrder = s.CachedOrder[:0]
	for _, c := range candidates[k:] {
		s.CachedTables[c.TableID] = c
		s.CachedOrder = append(s.CachedOrder, c.TableID)
	}
}

// expandTables moves cached candidates into the active set and returns the
// ones added. With explicit ids it resolves exactly those; with none it takes
// the next batch in score order. Pure cache movement: the vector index is
// never touched, so expansion cost is O(1) lookups.
func (s *TurnState) expandTables(ids []string, step int) []retriever.Candidate {
	var added []retriever.Candidate
	take := func(id string) {
		cand, ok := s.CachedTables[id]
		if !ok {
			return
		}
		delete(s.CachedTables, id)
		s.ActiveTables = append(s.ActiveTables, cand)
		added = append(added, cand)
	}

	if len(ids) > 0 {
		for _, id := range ids {
			take(id)
		}
	} else {
		taken := 0
		for _, id := range s.CachedOrder {
			if taken >= step {
				break
			}
			if _, ok := s.CachedTables[id]; !ok {
				continue
			}
			take(id)
			taken++
		}
	}

	if len(added) > 0 {
		remaining := s.CachedOrder[:0]
		for _, id := range s.CachedOrder {
			if _, ok := s.CachedTables[id]; ok {
				remaining = append(remaining, id)
			}
		}
		s.CachedOrder = remaining
	}
	return added
}

// tableContext renders the active tables for generation prompts.
func (s *TurnState) tableContext() string {
	return retriever.BuildContext(s.ActiveTables)
}

func describeAdded(added []retriever.Candidate) string {
	names := make([]string, 0, len(added))
	for _, c := range added {
		names = append(names, c.TableID)
	}
	return fmt.Sprintf("expanded tables: %s", strings.Join(names, ", "))
}
