package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nicodishanthj/sqlsage/internal/llm/providers"
	"github.com/nicodishanthj/sqlsage/internal/retriever"
)

// scriptedLLM routes calls by the system prompt and replays canned responses.
type scriptedLLM struct {
	classify      string
	parse         string
	clarify       []string
	clarifyCalls  int
	generate      []string
	generateCalls int
	validate      []string
	validateCalls int
	report        string
	general       string
}

func (s *scriptedLLM) ChatJSON(ctx context.Context, messages []providers.Message) (string, error) {
	sys := messages[0].Content
	switch {
	case strings.Contains(sys, "classify user questions"):
		if s.classify == "" {
			return `{"intent":"sql"}`, nil
		}
		return s.classify, nil
	case strings.Contains(sys, "SQL request analyzer"):
		return s.parse, nil
	case strings.Contains(sys, "specific enough"):
		s.clarifyCalls++
		if len(s.clarify) == 0 {
			return `{"needs_clarification":false}`, nil
		}
		return s.clarify[indexOrLast(s.clarifyCalls-1, len(s.clarify))], nil
	case strings.Contains(sys, "SQL generator"):
		s.generateCalls++
		if len(s.generate) == 0 {
			return `{"sql":"SELECT 1","needs_more_tables":false}`, nil
		}
		return s.generate[indexOrLast(s.generateCalls-1, len(s.generate))], nil
	case strings.Contains(sys, "SQL result validator"):
		s.validateCalls++
		if len(s.validate) == 0 {
			return `{"verdict":"OK"}`, nil
		}
		return s.validate[indexOrLast(s.validateCalls-1, len(s.validate))], nil
	default:
		return "{}", nil
	}
}

func (s *scriptedLLM) Chat(ctx context.Context, messages []providers.Message) (string, error) {
	sys := messages[0].Content
	if strings.Contains(sys, "data analysis reports") {
		if s.report == "" {
			return "report", nil
		}
		return s.report, nil
	}
	if s.general == "" {
		return "hello", nil
	}
	return s.general, nil
}

func indexOrLast(i, n int) int {
	if i >= n {
		return n - 1
	}
	return i
}

type fakeSearcher struct {
	candidates []retriever.Candidate
	calls      int
	err        error
}

func (f *fakeSearcher) Retrieve(ctx context.Context, query string, k int) ([]retriever.Candidate, error) {
	f.calls++
	return f.candidates, f.err
}

type fakeExecutor struct {
	calls   int
	results []func() ([]map[string]interface{}, error)
}

func (f *fakeExecutor) Query(ctx context.Context, sql string) ([]map[string]interface{}, error) {
	f.calls++
	fn := f.results[indexOrLast(f.calls-1, len(f.results))]
	return fn()
}

func rowsResult(rows []map[string]interface{}) func() ([]map[string]interface{}, error) {
	return func() ([]map[string]interface{}, error) { return rows, nil }
}

func errResult(err error) func() ([]map[string]interface{}, error) {
	return func() ([]map[string]interface{}, error) { return nil, err }
}

type memCheckpoints struct {
	states  map[string]json.RawMessage
	commits int
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{states: make(map[string]json.RawMessage)}
}

func (m *memCheckpoints) Get(ctx context.Context, threadID string) (json.RawMessage, error) {
	return m.states[threadID], nil
}

func (m *memCheckpoints) Commit(ctx context.Context, threadID string, state json.RawMessage) error {
	m.commits++
	m.states[threadID] = state
	return nil
}

func (m *memCheckpoints) Delete(ctx context.Context, threadID string) error {
	delete(m.states, threadID)
	return nil
}

func collectEvents() (Emitter, *[]Event) {
	events := &[]Event{}
	return func(e Event) { *events = append(*events, e) }, events
}

func terminalEvents(events []Event) []Event {
	var out []Event
	for _, e := range events {
		if e.Type != EventStatus {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() Config {
	cfg := Config{Timezone: "Asia/Seoul"}
	cfg.applyDefaults()
	return cfg
}

func testClock(t *testing.T) clockwork.Clock {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return clockwork.NewFakeClockAt(time.Date(2025, 7, 14, 15, 0, 0, 0, loc))
}

func allTimeParse(intent string) string {
	return fmt.Sprintf(`{"intent":%q,"time_range":null}`, intent)
}

func newTestEngine(t *testing.T, llm *scriptedLLM, search *fakeSearcher, exec *fakeExecutor, cps *memCheckpoints) *Engine {
	t.Helper()
	return NewEngine(llm, search, exec, cps, testConfig(), WithClock(testClock(t)))
}

func TestEngineTerminatesAtMaxSQLRetry(t *testing.T) {
	llm := &scriptedLLM{
		parse:    allTimeParse("list_metrics"),
		generate: []string{`{"sql":"DELETE FROM metrics_cpu","needs_more_tables":false}`},
	}
	search := &fakeSearcher{candidates: rankedCandidates(15)}
	exec := &fakeExecutor{results: []func() ([]map[string]interface{}, error){rowsResult(nil)}}
	cps := newMemCheckpoints()
	engine := newTestEngine(t, llm, search, exec, cps)
	emit, events := collectEvents()

	st, err := engine.Run(context.Background(), "t-retry", "show all metrics", emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	cfg := testConfig()
	if llm.generateCalls != cfg.MaxSQLRetry {
		t.Fatalf("generator called %d times, want exactly %d", llm.generateCalls, cfg.MaxSQLRetry)
	}
	if st.SQLRetryCount != cfg.MaxSQLRetry {
		t.Fatalf("sql_retry_count = %d, want %d", st.SQLRetryCount, cfg.MaxSQLRetry)
	}
	if exec.calls != 0 {
		t.Fatal("blocked SQL must never execute")
	}
	if st.Failure == nil || st.Failure.Kind != FailGuard {
		t.Fatalf("failure = %+v, want %s", st.Failure, FailGuard)
	}
	if st.Report == "" {
		t.Fatal("exhaustion must still produce a report")
	}

	terms := terminalEvents(*events)
	if len(terms) != 1 || terms[0].Type != EventResult {
		t.Fatalf("terminal events = %+v, want one result", terms)
	}
}

func TestEngineEndToEndWeeklyCPUAverage(t *testing.T) {
	start := "2025-07-07T00:00:00+09:00"
	end := "2025-07-14T15:00:00+09:00"
	sql := fmt.Sprintf(
		"SELECT AVG(cpu_percent) AS avg_cpu FROM metrics_cpu WHERE ts BETWEEN '%s' AND '%s'",
		start, end)

	llm := &scriptedLLM{
		parse: fmt.Sprintf(
			`{"intent":"cpu_average","metric":"cpu_percent","time_range":{"start":%q,"end":%q,"timezone":"Asia/Seoul"}}`,
			start, end),
		generate: []string{fmt.Sprintf(`{"sql":%q,"needs_more_tables":false}`, sql)},
		report:   "지난주 CPU 평균은 42.5%입니다.",
	}
	search := &fakeSearcher{candidates: []retriever.Candidate{{
		TableID:        "public.metrics_cpu",
		Name:           "metrics_cpu",
		Score:          0.93,
		PrimaryTimeCol: "ts",
		Columns: []retriever.Column{
			{Name: "ts", Type: "timestamptz"},
			{Name: "cpu_percent", Type: "double precision"},
		},
	}}}
	exec := &fakeExecutor{results: []func() ([]map[string]interface{}, error){
		rowsResult([]map[string]interface{}{{"avg_cpu": 42.5}}),
	}}
	cps := newMemCheckpoints()
	engine := newTestEngine(t, llm, search, exec, cps)
	emit, events := collectEvents()

	st, err := engine.Run(context.Background(), "t-weekly", "지난주 CPU 평균", emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if st.Request == nil || st.Request.TimeRange.Mode != ModeExplicit {
		t.Fatalf("request mode = %+v, want explicit", st.Request)
	}
	if !strings.Contains(st.GeneratedSQL, "AVG(cpu_percent)") || !strings.Contains(st.GeneratedSQL, "BETWEEN") {
		t.Fatalf("unexpected SQL: %s", st.GeneratedSQL)
	}
	if !strings.Contains(st.GeneratedSQL, start) || !strings.Contains(st.GeneratedSQL, end) {
		t.Fatal("the SQL must carry the explicit bounds verbatim")
	}
	if st.Verdict != VerdictOK || st.Failure != nil {
		t.Fatalf("verdict=%s failure=%+v", st.Verdict, st.Failure)
	}
	if !strings.Contains(st.Report, "42.5") {
		t.Fatalf("report missing the average: %s", st.Report)
	}
	if cps.commits != 1 {
		t.Fatalf("commits = %d, want 1", cps.commits)
	}

	terms := terminalEvents(*events)
	if len(terms) != 1 || terms[0].Type != EventResult {
		t.Fatalf("terminal events = %+v, want one result", terms)
	}
	if terms[0].Payload == nil || len(terms[0].Payload.Rows) != 1 {
		t.Fatalf("result payload = %+v", terms[0].Payload)
	}
	// Every status event must precede the terminal event.
	for i, e := range *events {
		if e.Type == EventStatus && i > len(*events)-2 {
			t.Fatal("status event after the terminal event")
		}
	}
}

func TestEngineRejectsDeleteThenRecovers(t *testing.T) {
	llm := &scriptedLLM{
		parse: allTimeParse("list_processes"),
		generate: []string{
			`{"sql":"DELETE FROM processes","needs_more_tables":false}`,
			`{"sql":"SELECT name, cpu_percent FROM processes ORDER BY cpu_percent DESC","needs_more_tables":false}`,
		},
	}
	search := &fakeSearcher{candidates: rankedCandidates(8)}
	exec := &fakeExecutor{results: []func() ([]map[string]interface{}, error){
		rowsResult([]map[string]interface{}{{"name": "postgres", "cpu_percent": 12.0}}),
	}}
	cps := newMemCheckpoints()
	engine := newTestEngine(t, llm, search, exec, cps)
	emit, events := collectEvents()

	st, err := engine.Run(context.Background(), "t-recover", "show busy processes", emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if llm.generateCalls != 2 {
		t.Fatalf("generator calls = %d, want 2", llm.generateCalls)
	}
	if st.SQLRetryCount != 1 {
		t.Fatalf("sql_retry_count = %d, want 1", st.SQLRetryCount)
	}
	if st.Failure != nil || st.Verdict != VerdictOK {
		t.Fatalf("verdict=%s failure=%+v", st.Verdict, st.Failure)
	}
	if len(st.FailedQueries) == 0 || !strings.Contains(st.FailedQueries[0], "DELETE") {
		t.Fatalf("failed queries = %+v", st.FailedQueries)
	}
	terms := terminalEvents(*events)
	if len(terms) != 1 || terms[0].Type != EventResult {
		t.Fatalf("terminal events = %+v", terms)
	}
}

func TestEngineClarificationSuspendsAndResumes(t *testing.T) {
	llm := &scriptedLLM{
		parse: allTimeParse("compare_usage"),
		clarify: []string{
			`{"needs_clarification":true,"question":"Which host do you mean?"}`,
			`{"needs_clarification":false}`,
		},
		generate: []string{`{"sql":"SELECT host, cpu_percent FROM metrics_cpu","needs_more_tables":false}`},
	}
	search := &fakeSearcher{candidates: rankedCandidates(6)}
	exec := &fakeExecutor{results: []func() ([]map[string]interface{}, error){
		rowsResult([]map[string]interface{}{{"host": "web-1", "cpu_percent": 55.0}}),
	}}
	cps := newMemCheckpoints()
	engine := newTestEngine(t, llm, search, exec, cps)

	emit1, events1 := collectEvents()
	st1, err := engine.Run(context.Background(), "t-clarify", "compare the usage", emit1)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if !st1.AwaitingClarification {
		t.Fatal("turn should suspend awaiting clarification")
	}
	terms := terminalEvents(*events1)
	if len(terms) != 1 || terms[0].Type != EventClarification {
		t.Fatalf("terminal events = %+v, want one clarification", terms)
	}
	if terms[0].Message != "Which host do you mean?" {
		t.Fatalf("clarification message = %q", terms[0].Message)
	}
	if cps.commits != 1 {
		t.Fatal("suspension must commit the partial state")
	}

	emit2, events2 := collectEvents()
	st2, err := engine.Run(context.Background(), "t-clarify", "host web-1", emit2)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if st2.AwaitingClarification {
		t.Fatal("resumed turn should complete")
	}
	if !strings.Contains(st2.Question, "compare the usage") || !strings.Contains(st2.Question, "host web-1") {
		t.Fatalf("resumed question = %q, want merged", st2.Question)
	}
	terms2 := terminalEvents(*events2)
	if len(terms2) != 1 || terms2[0].Type != EventResult {
		t.Fatalf("resume terminal events = %+v", terms2)
	}
}

func TestEngineCancellationLeavesCheckpointUnchanged(t *testing.T) {
	llm := &scriptedLLM{parse: allTimeParse("anything")}
	search := &fakeSearcher{candidates: rankedCandidates(6)}
	exec := &fakeExecutor{results: []func() ([]map[string]interface{}, error){rowsResult(nil)}}
	cps := newMemCheckpoints()
	engine := newTestEngine(t, llm, search, exec, cps)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	emit, _ := collectEvents()
	if _, err := engine.Run(ctx, "t-cancel", "anything at all", emit); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if cps.commits != 0 {
		t.Fatalf("cancelled turn committed %d times; checkpoint must stay untouched", cps.commits)
	}
}

func TestEngineGeneralChatSkipsPipeline(t *testing.T) {
	llm := &scriptedLLM{
		classify: `{"intent":"general","reason":"greeting"}`,
		general:  "Hi! Ask me about your metrics.",
	}
	search := &fakeSearcher{}
	exec := &fakeExecutor{results: []func() ([]map[string]interface{}, error){rowsResult(nil)}}
	cps := newMemCheckpoints()
	engine := newTestEngine(t, llm, search, exec, cps)
	emit, events := collectEvents()

	st, err := engine.Run(context.Background(), "t-general", "hello there", emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if search.calls != 0 || exec.calls != 0 {
		t.Fatal("general chat must not touch retrieval or execution")
	}
	if st.Report != "Hi! Ask me about your metrics." {
		t.Fatalf("report = %q", st.Report)
	}
	terms := terminalEvents(*events)
	if len(terms) != 1 || terms[0].Type != EventResult {
		t.Fatalf("terminal events = %+v", terms)
	}
}

func TestEngineTableMissingExpandsFromCache(t *testing.T) {
	llm := &scriptedLLM{
		parse:    allTimeParse("disk_usage"),
		generate: []string{`{"sql":"SELECT mount, used FROM disk_usage","needs_more_tables":false}`},
	}
	search := &fakeSearcher{candidates: rankedCandidates(15)}
	exec := &fakeExecutor{results: []func() ([]map[string]interface{}, error){
		errResult(errors.New(`pq: relation "disk_usage" does not exist`)),
		rowsResult([]map[string]interface{}{{"mount": "/", "used": 73.0}}),
	}}
	cps := newMemCheckpoints()
	engine := newTestEngine(t, llm, search, exec, cps)
	emit, _ := collectEvents()

	st, err := engine.Run(context.Background(), "t-expand", "disk usage by mount", emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if st.TableExpandCount != 1 {
		t.Fatalf("table_expand_count = %d, want 1", st.TableExpandCount)
	}
	if search.calls != 1 {
		t.Fatalf("retriever called %d times; expansion must not re-search", search.calls)
	}
	if len(st.ActiveTables) != 10 {
		t.Fatalf("active tables = %d, want 10 after one expansion batch", len(st.ActiveTables))
	}
	assertPartition(t, st)
	if exec.calls != 2 {
		t.Fatalf("exec calls = %d, want 2", exec.calls)
	}
	if st.Failure != nil || st.Verdict != VerdictOK {
		t.Fatalf("verdict=%s failure=%+v", st.Verdict, st.Failure)
	}
}

func TestEngineValidationRetryIsBounded(t *testing.T) {
	llm := &scriptedLLM{
		parse:    allTimeParse("list_hosts"),
		generate: []string{`{"sql":"SELECT host FROM metrics_cpu","needs_more_tables":false}`},
		validate: []string{`{"verdict":"SQL_BAD","feedback_to_sql":"wrong grouping"}`},
	}
	search := &fakeSearcher{candidates: rankedCandidates(8)}
	exec := &fakeExecutor{results: []func() ([]map[string]interface{}, error){
		rowsResult([]map[string]interface{}{{"host": "web-1"}}),
	}}
	cps := newMemCheckpoints()
	engine := newTestEngine(t, llm, search, exec, cps)
	emit, _ := collectEvents()

	st, err := engine.Run(context.Background(), "t-validate", "list the hosts", emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	cfg := testConfig()
	if st.ValidationRetryCount != cfg.MaxValidationRetry {
		t.Fatalf("validation_retry_count = %d, want %d", st.ValidationRetryCount, cfg.MaxValidationRetry)
	}
	if llm.validateCalls != cfg.MaxValidationRetry {
		t.Fatalf("validator calls = %d, want %d", llm.validateCalls, cfg.MaxValidationRetry)
	}
	if st.Failure == nil || st.Failure.Kind != FailValidation {
		t.Fatalf("failure = %+v, want %s", st.Failure, FailValidation)
	}
	if len(st.RetryLog) == 0 {
		t.Fatal("validation retries must be logged")
	}
}

func TestEngineFatalExecutionErrorSkipsRetry(t *testing.T) {
	llm := &scriptedLLM{
		parse:    allTimeParse("read_secrets"),
		generate: []string{`{"sql":"SELECT secret FROM vault","needs_more_tables":false}`},
	}
	search := &fakeSearcher{candidates: rankedCandidates(6)}
	exec := &fakeExecutor{results: []func() ([]map[string]interface{}, error){
		errResult(errors.New("pq: permission denied for table vault")),
	}}
	cps := newMemCheckpoints()
	engine := newTestEngine(t, llm, search, exec, cps)
	emit, events := collectEvents()

	st, err := engine.Run(context.Background(), "t-fatal", "read the vault", emit)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if llm.generateCalls != 1 {
		t.Fatalf("fatal errors must not retry; generator calls = %d", llm.generateCalls)
	}
	if st.Failure == nil || st.Failure.Kind != FailFatal {
		t.Fatalf("failure = %+v, want %s", st.Failure, FailFatal)
	}
	terms := terminalEvents(*events)
	if len(terms) != 1 || terms[0].Type != EventResult {
		t.Fatalf("terminal events = %+v", terms)
	}
}

func TestTransitionFunctionIsTotal(t *testing.T) {
	states := []State{
		StateClassify, StateGeneralChat, StateParse, StateGuard, StateClarify,
		StateRetrieve, StateSelect, StateGenerate, StateGuardSQL, StateExecute,
		StateNormalize, StateValidate, StateReport,
	}
	outcomes := []Outcome{OutcomeOK, OutcomeRetry, OutcomeExpand, OutcomeFatal, OutcomeGeneral, OutcomeClarify}
	for _, s := range states {
		for _, o := range outcomes {
			next := Next(s, o)
			if next == "" {
				t.Errorf("Next(%s, %s) is undefined", s, o)
			}
		}
	}
	if Next(StateReport, OutcomeOK) != StateDone {
		t.Fatal("report must terminate")
	}
}
