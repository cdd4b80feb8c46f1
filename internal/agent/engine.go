package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/nicodishanthj/sqlsage/internal/checkpoint"
	"github.com/nicodishanthj/sqlsage/internal/common"
	"github.com/nicodishanthj/sqlsage/internal/common/telemetry"
	"github.com/nicodishanthj/sqlsage/internal/llm/providers"
	"github.com/nicodishanthj/sqlsage/internal/retriever"
)

// State identifies one node of the turn state machine.
type State string

const (
	StateClassify    State = "classify"
	StateGeneralChat State = "general_chat"
	StateParse       State = "parse"
	StateGuard       State = "guard"
	StateClarify     State = "clarify"
	StateRetrieve    State = "retrieve"
	StateSelect      State = "select"
	StateGenerate    State = "generate"
	StateGuardSQL    State = "guard_sql"
	StateExecute     State = "execute"
	StateNormalize   State = "normalize"
	StateValidate    State = "validate"
	StateReport      State = "report"

	StateAwaitingClarification State = "awaiting_clarification"
	StateDone                  State = "done"
)

// Outcome is what a state handler reports; Next maps (state, outcome) to the
// following state.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeRetry   Outcome = "retry"   // a bounded cycle continues
	OutcomeExpand  Outcome = "expand"  // tables were expanded, regenerate
	OutcomeFatal   Outcome = "fatal"   // route to report with a failure
	OutcomeGeneral Outcome = "general" // non-data question
	OutcomeClarify Outcome = "clarify" // suspend awaiting user input
)

// Next is the total transition function. Every state has a defined edge for
// every outcome its handler can produce; anything unexpected routes to
// report so a bug degrades to a reported failure, not a stall.
func Next(state State, outcome Outcome) State {
	switch state {
	case StateClassify:
		if outcome == OutcomeGeneral {
			return StateGeneralChat
		}
		return StateParse
	case StateGeneralChat:
		return StateDone
	case StateParse:
		if outcome == OutcomeOK {
			return StateGuard
		}
		return StateReport
	case StateGuard:
		if outcome == OutcomeOK {
			return StateClarify
		}
		return StateReport
	case StateClarify:
		if outcome == OutcomeClarify {
			return StateAwaitingClarification
		}
		return StateRetrieve
	case StateRetrieve:
		if outcome == OutcomeOK {
			return StateSelect
		}
		return StateReport
	case StateSelect:
		if outcome == OutcomeOK {
			return StateGenerate
		}
		return StateReport
	case StateGenerate:
		if outcome == OutcomeOK {
			return StateGuardSQL
		}
		return StateReport
	case StateGuardSQL:
		switch outcome {
		case OutcomeOK:
			return StateExecute
		case OutcomeRetry:
			return StateGenerate
		default:
			return StateReport
		}
	case StateExecute:
		return StateNormalize
	case StateNormalize:
		switch outcome {
		case OutcomeOK:
			return StateValidate
		case OutcomeRetry, OutcomeExpand:
			return StateGenerate
		default:
			return StateReport
		}
	case StateValidate:
		switch outcome {
		case OutcomeRetry, OutcomeExpand:
			return StateGenerate
		default:
			return StateReport
		}
	case StateReport:
		return StateDone
	default:
		return StateDone
	}
}

// LLM is the slice of the provider the engine uses.
type LLM interface {
	Chat(ctx context.Context, messages []providers.Message) (string, error)
	ChatJSON(ctx context.Context, messages []providers.Message) (string, error)
}

// Searcher yields ranked table candidates for a query.
type Searcher interface {
	Retrieve(ctx context.Context, query string, k int) ([]retriever.Candidate, error)
}

// Executor runs a SELECT and materializes rows.
type Executor interface {
	Query(ctx context.Context, sql string) ([]map[string]interface{}, error)
}

// Engine drives one conversational turn through the state machine. TurnState
// is exclusively owned by the running turn; the engine itself is stateless
// and safe for concurrent turns.
type Engine struct {
	llm         LLM
	search      Searcher
	exec        Executor
	checkpoints checkpoint.Store
	guard       *RequestGuard
	cfg         Config
	clock       clockwork.Clock
	location    *time.Location
}

type EngineOption func(*Engine)

// WithClock injects a clock, used by tests to pin "now".
func WithClock(clock clockwork.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

func NewEngine(llm LLM, search Searcher, exec Executor, checkpoints checkpoint.Store, cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		llm:         llm,
		search:      search,
		exec:        exec,
		checkpoints: checkpoints,
		cfg:         cfg,
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		common.Logger().Warn("agent: invalid timezone, using UTC", "timezone", cfg.Timezone)
		location = time.UTC
	}
	e.location = location
	e.guard = NewRequestGuard(e.clock, location)
	return e
}

// Run executes one turn. Status events stream through emit, ending with
// exactly one of clarification, result or error. The checkpoint is committed
// only when the turn reaches a terminal state; cancellation mid-flight
// leaves the thread's persisted state untouched.
func (e *Engine) Run(ctx context.Context, threadID, question string, emit Emitter) (*TurnState, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	logger := common.Logger()
	ctx, finish := telemetry.StartSpan(ctx, "turn")
	defer finish("thread", threadID)

	if reason, ok := GuardInput(question, e.cfg.MaxInputLength); !ok {
		if emit != nil {
			emit(Event{Type: EventError, Message: reason, ThreadID: threadID})
		}
		telemetry.RecordTurn("rejected")
		return nil, fmt.Errorf("agent: input rejected: %s", reason)
	}

	prior, err := e.loadCheckpoint(ctx, threadID)
	if err != nil {
		logger.Warn("agent: checkpoint load failed, starting fresh", "thread", threadID, "error", err)
		prior = nil
	}

	var prevRequest *StructuredRequest
	var history []providers.Message
	resumed := false
	if prior != nil {
		history = prior.History
		prevRequest = prior.Request
		if prior.AwaitingClarification {
			resumed = true
			question = prior.Question + "\nadditional information: " + question
			logger.Info("agent: resuming suspended turn", "thread", threadID)
		}
	}

	st := &TurnState{ThreadID: threadID, Question: question, History: history, Verdict: VerdictOK}
	state := StateClassify
	if resumed {
		// The clarification answer is a data question by construction.
		st.Intent = "sql"
		state = StateParse
	}

	var execErr error
	for state != StateDone && state != StateAwaitingClarification {
		if err := ctx.Err(); err != nil {
			telemetry.RecordTurn("cancelled")
			logger.Info("agent: turn cancelled, checkpoint unchanged", "thread", threadID, "state", string(state))
			return nil, err
		}
		if st.TotalLoops >= e.cfg.MaxTotalLoops && state != StateReport {
			st.fail(FailValidation, "the question could not be answered within the processing budget")
			state = StateReport
			continue
		}

		var outcome Outcome
		switch state {
		case StateClassify:
			emit.status("classifying the question")
			st.Intent = e.classifyIntent(ctx, st)
			if st.Intent == "general" {
				outcome = OutcomeGeneral
			} else {
				outcome = OutcomeOK
			}

		case StateGeneralChat:
			emit.status("answering directly")
			if f := e.generalChat(ctx, st); f != nil {
				st.fail(f.Kind, f.Message)
			}
			outcome = OutcomeOK

		case StateParse:
			emit.status("analyzing the question")
			if f := e.parseRequest(ctx, st, prevRequest); f != nil {
				st.fail(f.Kind, f.Message)
				outcome = OutcomeFatal
			} else {
				outcome = OutcomeOK
			}

		case StateGuard:
			adjustment, f := e.guard.Normalize(st.Request, st.Question, prevRequest)
			if f != nil {
				st.fail(f.Kind, f.Message)
				outcome = OutcomeFatal
			} else {
				if adjustment != "" {
					emit.status(adjustment)
				}
				outcome = OutcomeOK
			}

		case StateClarify:
			needs, clarifying := e.checkClarification(ctx, st)
			if needs {
				st.AwaitingClarification = true
				st.ClarificationQuestion = clarifying
				outcome = OutcomeClarify
			} else {
				outcome = OutcomeOK
			}

		case StateRetrieve:
			emit.status("searching for relevant tables")
			candidates, f := e.retrieveTables(ctx, st)
			if f != nil {
				st.fail(f.Kind, f.Message)
				outcome = OutcomeFatal
			} else {
				st.pendingCandidates = candidates
				outcome = OutcomeOK
			}

		case StateSelect:
			st.selectTables(st.pendingCandidates, e.cfg.TopK)
			st.pendingCandidates = nil
			emit.status(fmt.Sprintf("selected %d tables", len(st.ActiveTables)))
			outcome = OutcomeOK

		case StateGenerate:
			emit.status("generating SQL")
			if f := e.generateSQL(ctx, st, emit); f != nil {
				st.fail(f.Kind, f.Message)
				outcome = OutcomeFatal
			} else {
				outcome = OutcomeOK
			}

		case StateGuardSQL:
			normalized, reason, ok := GuardSQL(st.GeneratedSQL)
			if ok {
				st.GeneratedSQL = EnsureLimit(normalized, 100)
				st.GuardVerdict = VerdictOK
				outcome = OutcomeOK
				break
			}
			st.GuardVerdict = VerdictSQLBad
			st.rememberFailedQuery(st.GeneratedSQL)
			st.logRetry("sql guard: " + reason)
			st.ValidationReason = reason
			st.SQLRetryCount++
			st.TotalLoops++
			telemetry.RecordSQLRetry()
			if st.SQLRetryCount < e.cfg.MaxSQLRetry {
				emit.status("regenerating SQL after safety rejection")
				outcome = OutcomeRetry
			} else {
				st.fail(FailGuard, "the query was blocked repeatedly: "+reason)
				outcome = OutcomeFatal
			}

		case StateExecute:
			emit.status("executing the query")
			st.Rows, execErr = e.exec.Query(ctx, st.GeneratedSQL)
			outcome = OutcomeOK

		case StateNormalize:
			outcome = e.normalizeStep(st, execErr, emit)
			execErr = nil

		case StateValidate:
			emit.status("validating the result")
			if f := e.validateResult(ctx, st); f != nil {
				st.fail(f.Kind, f.Message)
				outcome = OutcomeFatal
			} else {
				outcome = e.verdictStep(st, emit)
			}

		case StateReport:
			emit.status("writing the report")
			e.generateReport(ctx, st)
			outcome = OutcomeOK

		default:
			outcome = OutcomeFatal
		}

		state = Next(state, outcome)
	}

	if err := ctx.Err(); err != nil {
		telemetry.RecordTurn("cancelled")
		return nil, err
	}

	e.finishTurn(ctx, st, emit)
	return st, nil
}

// normalizeStep classifies the execution outcome: success feeds validation,
// retryable errors feed the SQL cycle with the message as context, table
// misses trigger expansion and everything else is fatal.
func (e *Engine) normalizeStep(st *TurnState, execErr error, emit Emitter) Outcome {
	if execErr == nil {
		st.Verdict = VerdictOK
		return OutcomeOK
	}

	verdict, reason := normalizeExecError(execErr)
	st.Verdict = verdict
	st.ValidationReason = fmt.Sprintf("%s: %s", reason, execErr)
	st.rememberFailedQuery(st.GeneratedSQL)
	st.logRetry(fmt.Sprintf("execution failed (%s): %s", verdict, execErr))

	switch {
	case IsRetryableVerdict(verdict):
		st.SQLRetryCount++
		st.TotalLoops++
		telemetry.RecordSQLRetry()
		if st.SQLRetryCount < e.cfg.MaxSQLRetry {
			emit.status("regenerating SQL after an execution error")
			return OutcomeRetry
		}
		st.fail(FailRetryable, "the query kept failing: "+reason)
		return OutcomeFatal

	case verdict == VerdictTableMissing:
		return e.expandStep(st, emit)

	case verdict == VerdictTimeout:
		st.fail(FailToolTimeout, reason)
		return OutcomeFatal

	default:
		st.fail(FailFatal, reason)
		return OutcomeFatal
	}
}

// verdictStep routes the reflection verdict: regenerate for fixable SQL,
// expand on a table miss, report otherwise.
func (e *Engine) verdictStep(st *TurnState, emit Emitter) Outcome {
	if st.Verdict == VerdictOK {
		return OutcomeOK
	}
	st.rememberFailedQuery(st.GeneratedSQL)
	st.logRetry(fmt.Sprintf("validation failed (%s): %s", st.Verdict, st.ValidationReason))

	switch {
	case IsRetryableVerdict(st.Verdict) || st.Verdict == VerdictDataMissing:
		st.ValidationRetryCount++
		st.TotalLoops++
		telemetry.RecordReflectionRetry()
		if st.ValidationRetryCount < e.cfg.MaxValidationRetry {
			emit.status("regenerating SQL after validation feedback")
			return OutcomeRetry
		}
		st.fail(FailValidation, "the result kept failing validation: "+st.ValidationReason)
		return OutcomeFatal

	case st.Verdict == VerdictTableMissing:
		return e.expandStep(st, emit)

	default:
		st.fail(FailValidation, st.ValidationReason)
		return OutcomeFatal
	}
}

// expandStep pulls the next cached batch into the active set; a cache lookup
// only, never another vector search.
func (e *Engine) expandStep(st *TurnState, emit Emitter) Outcome {
	if st.TableExpandCount >= e.cfg.MaxTableExpand {
		st.fail(FailValidation, "more tables were needed but the expansion budget is spent")
		return OutcomeFatal
	}
	st.TableExpandCount++
	st.TotalLoops++
	added := st.expandTables(nil, e.cfg.ExpandStep)
	if len(added) == 0 {
		st.fail(FailValidation, "more tables were needed but no further candidates exist")
		return OutcomeFatal
	}
	emit.status(describeAdded(added))
	return OutcomeExpand
}

// finishTurn commits the checkpoint and emits the terminal event.
func (e *Engine) finishTurn(ctx context.Context, st *TurnState, emit Emitter) {
	logger := common.Logger()

	if st.AwaitingClarification {
		if err := e.commit(ctx, st); err != nil {
			logger.Error("agent: checkpoint commit failed", "thread", st.ThreadID, "error", err)
		}
		telemetry.RecordTurn("clarification")
		if emit != nil {
			emit(Event{Type: EventClarification, Message: st.ClarificationQuestion, ThreadID: st.ThreadID})
		}
		return
	}

	st.History = append(st.History,
		providers.Message{Role: "user", Content: st.Question},
		providers.Message{Role: "assistant", Content: st.Report},
	)
	if err := e.commit(ctx, st); err != nil {
		logger.Error("agent: checkpoint commit failed", "thread", st.ThreadID, "error", err)
	}

	if st.Failure != nil {
		telemetry.RecordTurn("failed")
	} else {
		telemetry.RecordTurn("done")
	}
	logger.Info("agent: turn finished",
		"thread", st.ThreadID, "verdict", st.Verdict, "dur", telemetry.SpanDuration(ctx))
	if emit != nil {
		emit(Event{
			Type:     EventResult,
			ThreadID: st.ThreadID,
			Payload: &ResultPayload{
				Report:  st.Report,
				SQL:     st.GeneratedSQL,
				Rows:    st.Rows,
				Verdict: st.Verdict,
			},
		})
	}
}

func (e *Engine) loadCheckpoint(ctx context.Context, threadID string) (*TurnState, error) {
	if e.checkpoints == nil {
		return nil, nil
	}
	raw, err := e.checkpoints.Get(ctx, threadID)
	if err != nil || raw == nil {
		return nil, err
	}
	var st TurnState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("agent: corrupt checkpoint for %s: %w", threadID, err)
	}
	return &st, nil
}

func (e *Engine) commit(ctx context.Context, st *TurnState) error {
	if e.checkpoints == nil {
		return nil
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return e.checkpoints.Commit(ctx, st.ThreadID, raw)
}
