package telemetry

import (
	"context"
	"expvar"
	"strings"
	"sync"
	"time"

	"github.com/nicodishanthj/sqlsage/internal/common"
)

type spanKey struct{}

type span struct {
	name  string
	start time.Time
}

var (
	initOnce sync.Once

	vectorSearchTotal     *expvar.Int
	vectorSearchLatencyMS *expvar.Int

	llmCallTotal     *expvar.Map
	llmCallLatencyMS *expvar.Map

	embedUpsertTotal *expvar.Int
	embedDeleteTotal *expvar.Int
	schemaSyncTotal  *expvar.Map

	turnTotal       *expvar.Map
	sqlRetryTotal   *expvar.Int
	reflectionTotal *expvar.Int
)

func ensureInit() {
	initOnce.Do(func() {
		vectorSearchTotal = expvar.NewInt("sqlsage_vector_search_total")
		vectorSearchLatencyMS = expvar.NewInt("sqlsage_vector_search_latency_ms")

		llmCallTotal = expvar.NewMap("sqlsage_llm_call_total")
		llmCallLatencyMS = expvar.NewMap("sqlsage_llm_call_latency_ms")

		embedUpsertTotal = expvar.NewInt("sqlsage_embed_upserts_total")
		embedDeleteTotal = expvar.NewInt("sqlsage_embed_deletes_total")
		schemaSyncTotal = expvar.NewMap("sqlsage_schema_sync_total")

		turnTotal = expvar.NewMap("sqlsage_turn_total")
		sqlRetryTotal = expvar.NewInt("sqlsage_sql_retries_total")
		reflectionTotal = expvar.NewInt("sqlsage_reflection_retries_total")
	})
}

func StartSpan(ctx context.Context, name string) (context.Context, func(attrs ...interface{})) {
	ensureInit()
	sp := &span{name: name, start: time.Now()}
	ctx = context.WithValue(ctx, spanKey{}, sp)
	logger := common.Logger()
	logger.Debug("trace: start", "span", name)
	return ctx, func(attrs ...interface{}) {
		if sp == nil {
			return
		}
		duration := time.Since(sp.start)
		logger.Debug("trace: end", append([]interface{}{"span", name, "dur", duration}, attrs...)...)
	}
}

func RecordVectorSearch(duration time.Duration) {
	ensureInit()
	vectorSearchTotal.Add(1)
	if duration > 0 {
		vectorSearchLatencyMS.Add(duration.Milliseconds())
	}
}

func RecordLLMCall(kind string, duration time.Duration) {
	ensureInit()
	key := strings.TrimSpace(strings.ToLower(kind))
	if key == "" {
		key = "unknown"
	}
	llmCallTotal.Add(key, 1)
	if duration > 0 {
		llmCallLatencyMS.Add(key, duration.Milliseconds())
	}
}

func RecordEmbedUpserts(count int) {
	ensureInit()
	if count > 0 {
		embedUpsertTotal.Add(int64(count))
	}
}

func RecordEmbedDeletes(count int) {
	ensureInit()
	if count > 0 {
		embedDeleteTotal.Add(int64(count))
	}
}

func RecordSchemaSync(outcome string) {
	ensureInit()
	key := strings.TrimSpace(strings.ToLower(outcome))
	if key == "" {
		key = "unknown"
	}
	schemaSyncTotal.Add(key, 1)
}

func RecordTurn(status string) {
	ensureInit()
	key := strings.TrimSpace(strings.ToLower(status))
	if key == "" {
		key = "unknown"
	}
	turnTotal.Add(key, 1)
}

func RecordSQLRetry() {
	ensureInit()
	sqlRetryTotal.Add(1)
}

func RecordReflectionRetry() {
	ensureInit()
	reflectionTotal.Add(1)
}

func SpanDuration(ctx context.Context) time.Duration {
	sp, _ := ctx.Value(spanKey{}).(*span)
	if sp == nil {
		return 0
	}
	return time.Since(sp.start)
}
