package agent

import (
	"github.com/nicodishanthj/sqlsage/internal/llm/providers"
	"github.com/nicodishanthj/sqlsage/internal/retriever"
)

// Time-range modes. all_time means no temporal predicate may appear in the
// generated SQL; explicit means the given bounds must appear verbatim;
// inherit reuses the previous turn's bounds.
const (
	ModeAllTime  = "all_time"
	ModeExplicit = "explicit"
	ModeInherit  = "inherit"
)

// Validator and normalizer verdicts.
const (
	VerdictOK            = "OK"
	VerdictSQLBad        = "SQL_BAD"
	VerdictColumnMissing = "COLUMN_MISSING"
	VerdictTypeError     = "TYPE_ERROR"
	VerdictTableMissing  = "TABLE_MISSING"
	VerdictDataMissing   = "DATA_MISSING"
	VerdictAmbiguous     = "AMBIGUOUS"
	VerdictPermission    = "PERMISSION"
	VerdictTimeout       = "TIMEOUT"
	VerdictDBConnError   = "DB_CONN_ERROR"
)

// Failure kinds, the agent-level error taxonomy.
const (
	FailParse       = "ParseError"
	FailGuard       = "GuardRejection"
	FailRetryable   = "RetryableExecutionError"
	FailFatal       = "FatalExecutionError"
	FailValidation  = "ValidationMismatch"
	FailToolTimeout = "ToolTimeout"
)

// Failure is a classified agent-level error. Message is the human-readable
// reason surfaced in reports, distinct from the internal retry log.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// TimeRange carries the temporal bounds of a request. Start and End are
// ISO 8601 strings; both empty when Mode is all_time.
type TimeRange struct {
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Mode     string `json:"mode"`
}

// StructuredRequest is the parser's output after guard normalization.
type StructuredRequest struct {
	Intent           string    `json:"intent"`
	Metric           string    `json:"metric,omitempty"`
	Condition        string    `json:"condition,omitempty"`
	Output           string    `json:"output,omitempty"`
	Filters          []string  `json:"filters,omitempty"`
	TimeRange        TimeRange `json:"time_range"`
	InheritsPrevious bool      `json:"inherits_previous,omitempty"`
}

// TurnState is owned exclusively by one turn of the engine. The candidate
// set is partitioned: a table id is in ActiveTables or in CachedTables,
// never both. CachedOrder preserves score-descending order for next-batch
// expansion.
type TurnState struct {
	ThreadID string `json:"thread_id"`
	Question string `json:"question"`

	Intent  string             `json:"intent,omitempty"` // sql or general
	Request *StructuredRequest `json:"request,omitempty"`

	AwaitingClarification bool   `json:"awaiting_clarification,omitempty"`
	ClarificationQuestion string `json:"clarification_question,omitempty"`

	ActiveTables []retriever.Candidate          `json:"active_tables,omitempty"`
	CachedTables map[string]retriever.Candidate `json:"cached_tables,omitempty"`
	CachedOrder  []string                       `json:"cached_order,omitempty"`

	GeneratedSQL     string   `json:"generated_sql,omitempty"`
	GuardVerdict     string   `json:"guard_verdict,omitempty"`
	Verdict          string   `json:"verdict,omitempty"`
	ValidationReason string   `json:"validation_reason,omitempty"`
	FailedQueries    []string `json:"failed_queries,omitempty"`
	RetryLog         []string `json:"retry_log,omitempty"`

	SQLRetryCount        int `json:"sql_retry_count"`
	ValidationRetryCount int `json:"validation_retry_count"`
	TableExpandCount     int `json:"table_expand_count"`
	TotalLoops           int `json:"total_loops"`

	Rows    []map[string]interface{} `json:"rows,omitempty"`
	Report  string                   `json:"report,omitempty"`
	Failure *Failure                 `json:"failure,omitempty"`

	History []providers.Message `json:"history,omitempty"`

	// pendingCandidates carries the retriever output between the retrieve
	// and select states; never persisted.
	pendingCandidates []retriever.Candidate
}

// ActiveIDs returns the ids of the active tables.
func (s *TurnState) ActiveIDs() []string {
	ids := make([]string, 0, len(s.ActiveTables))
	for _, t := range s.ActiveTables {
		ids = append(ids, t.TableID)
	}
	return ids
}

// logRetry records an internal retry reason. The retry log never reaches the
// user directly; reports carry their own reason.
func (s *TurnState) logRetry(reason string) {
	s.RetryLog = append(s.RetryLog, reason)
}

func (s *TurnState) fail(kind, message string) {
	s.Failure = &Failure{Kind: kind, Message: message}
	if s.ValidationReason == "" {
		s.ValidationReason = message
	}
}
