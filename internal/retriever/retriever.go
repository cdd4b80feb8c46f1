package retriever

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nicodishanthj/sqlsage/internal/common"
	"github.com/nicodishanthj/sqlsage/internal/common/telemetry"
	"github.com/nicodishanthj/sqlsage/internal/vector"
)

// Embedder describes the minimal contract needed to generate vectors for
// queries against the vector store.
type Embedder interface {
	Embed(ctx context.Context, input []string) ([][]float32, error)
}

// Candidate is one table surfaced by vector search, parsed from the stored
// payload. Scores are cosine similarities in descending order.
type Candidate struct {
	TableID        string   `json:"table_id"`
	Name           string   `json:"table_name"`
	DocType        string   `json:"doc_type"`
	Description    string   `json:"description"`
	Columns        []Column `json:"columns"`
	PrimaryTimeCol string   `json:"primary_time_col,omitempty"`
	JoinKeys       []string `json:"join_keys,omitempty"`
	Score          float64  `json:"score"`
}

type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Constraints string `json:"constraints,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

type Retriever struct {
	embedder Embedder
	store    vector.Store
	cache    *searchCache
}

type Option func(*Retriever)

// WithCacheSize controls the number of cached vector searches.
func WithCacheSize(size int) Option {
	return func(r *Retriever) {
		r.cache = newSearchCache(size)
	}
}

func New(embedder Embedder, store vector.Store, opts ...Option) *Retriever {
	r := &Retriever{
		embedder: embedder,
		store:    store,
		cache:    newSearchCache(128),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Retrieve embeds the query and returns up to k candidates, score-descending.
// Reporting views (v_ prefix) are excluded: they are derived surfaces, not
// sources the generator should query directly.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]Candidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("retriever: empty query")
	}
	key := fmt.Sprintf("%d|%s", k, query)
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed query: empty result")
	}

	start := time.Now()
	results, err := r.store.Search(ctx, vectors[0], k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	telemetry.RecordVectorSearch(time.Since(start))

	candidates := make([]Candidate, 0, len(results))
	for _, res := range results {
		cand := parseCandidate(res)
		base := cand.Name
		if idx := strings.LastIndex(base, "."); idx >= 0 {
			base = base[idx+1:]
		}
		if strings.HasPrefix(base, "v_") {
			continue
		}
		candidates = append(candidates, cand)
	}

	common.Logger().Debug("retriever: search complete",
		"query_len", len(query), "hits", len(results), "candidates", len(candidates))
	r.cache.Set(key, candidates)
	return candidates, nil
}

// InvalidateCache drops cached searches. Wired to schema sync completion.
func (r *Retriever) InvalidateCache() {
	r.cache.Purge()
}

func parseCandidate(res vector.SearchResult) Candidate {
	cand := Candidate{Score: float64(res.Score)}
	payload := res.Payload
	cand.TableID = stringField(payload, "table_id")
	cand.Name = stringField(payload, "table_name")
	if cand.Name == "" {
		cand.Name = cand.TableID
	}
	cand.DocType = stringField(payload, "doc_type")
	cand.Description = stringField(payload, "description")
	cand.PrimaryTimeCol = stringField(payload, "primary_time_col")
	if keys, ok := payload["join_keys"].([]interface{}); ok {
		for _, k := range keys {
			if s, ok := k.(string); ok {
				cand.JoinKeys = append(cand.JoinKeys, s)
			}
		}
	}
	if cols, ok := payload["columns"].([]interface{}); ok {
		for _, raw := range cols {
			col, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			cand.Columns = append(cand.Columns, Column{
				Name:        stringField(col, "name"),
				Type:        stringField(col, "type"),
				Constraints: stringField(col, "constraints"),
				Comment:     stringField(col, "comment"),
			})
		}
	}
	return cand
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// Context renders a candidate for inclusion in a generation prompt.
func (c Candidate) Context() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s", c.TableID)
	if c.DocType != "" && c.DocType != "table" {
		fmt.Fprintf(&b, " (%s)", c.DocType)
	}
	b.WriteString("\n")
	if c.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", c.Description)
	}
	if c.PrimaryTimeCol != "" {
		fmt.Fprintf(&b, "Time column: %s\n", c.PrimaryTimeCol)
	}
	if len(c.Columns) > 0 {
		b.WriteString("Columns:\n")
		for _, col := range c.Columns {
			fmt.Fprintf(&b, "  - %s (%s)", col.Name, col.Type)
			if col.Comment != "" {
				fmt.Fprintf(&b, ": %s", col.Comment)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// BuildContext joins candidate renderings for the generator prompt.
func BuildContext(candidates []Candidate) string {
	parts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		parts = append(parts, c.Context())
	}
	return strings.Join(parts, "\n")
}
