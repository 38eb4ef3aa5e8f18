package chat

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duckmesh/duckchat/internal/nl2sql"
	"github.com/duckmesh/duckchat/internal/warehouse"
)

func TestSubmitLiteralStatementExecutesRemainder(t *testing.T) {
	executor := &fakeExecutor{results: map[string]warehouse.Result{
		"SELECT 1": {Columns: []string{"1"}, Rows: [][]any{{int64(1)}}},
	}}
	engine := newTestEngine(&fakeGenerator{}, executor)
	session := NewSession("s1", time.Now())

	var rendered []Turn
	report, err := engine.Submit(context.Background(), session, "$RUNSELECT 1", func(turn Turn) {
		rendered = append(rendered, turn)
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if report.Path != PathLiteral || report.Outcome != OutcomeExecuted {
		t.Fatalf("report = %+v", report)
	}
	if want := []string{"SELECT 1"}; !reflect.DeepEqual(executor.calls, want) {
		t.Fatalf("executor calls = %#v, want %#v", executor.calls, want)
	}
	if len(rendered) != 2 || !rendered[0].IsUser() || !rendered[1].IsTabular() {
		t.Fatalf("rendered = %#v", rendered)
	}
	table := rendered[1].Table
	if len(table.Rows) != 1 || len(table.Rows[0]) != 1 || table.Rows[0][0] != int64(1) {
		t.Fatalf("table = %#v", table)
	}
	if session.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", session.Len())
	}
	if session.Pending() != "" {
		t.Fatalf("Pending() = %q, want empty", session.Pending())
	}
}

func TestSubmitTriggerTokenIsCaseSensitive(t *testing.T) {
	generator := &fakeGenerator{replies: []string{"I can help with that."}}
	executor := &fakeExecutor{}
	engine := newTestEngine(generator, executor)
	session := NewSession("s1", time.Now())

	report, err := engine.Submit(context.Background(), session, "$runSELECT 1", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if report.Path != PathQuestion {
		t.Fatalf("Path = %q, want %q", report.Path, PathQuestion)
	}
	if len(executor.calls) != 0 {
		t.Fatalf("executor calls = %#v, want none", executor.calls)
	}
}

func TestSubmitRefusesMutatingStatement(t *testing.T) {
	executor := &fakeExecutor{}
	engine := newTestEngine(&fakeGenerator{}, executor)
	session := NewSession("s1", time.Now())

	report, err := engine.Submit(context.Background(), session, "$RUN DROP TABLE x", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if report.Outcome != OutcomeRefused {
		t.Fatalf("Outcome = %q, want %q", report.Outcome, OutcomeRefused)
	}
	if len(executor.calls) != 0 {
		t.Fatalf("executor calls = %#v, want none", executor.calls)
	}
	last := session.Turns()[session.Len()-1]
	if last.Role != RoleAssistant || last.Text != MessageRefused {
		t.Fatalf("last turn = %#v", last)
	}
}

func TestSubmitBlankLiteralHasNothingToRun(t *testing.T) {
	executor := &fakeExecutor{}
	engine := newTestEngine(&fakeGenerator{}, executor)
	session := NewSession("s1", time.Now())

	report, err := engine.Submit(context.Background(), session, "$RUN   ", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if report.Outcome != OutcomeNothingToRun {
		t.Fatalf("Outcome = %q", report.Outcome)
	}
	if len(executor.calls) != 0 {
		t.Fatalf("executor calls = %#v, want none", executor.calls)
	}
}

func TestSubmitQuestionStoresPendingWithoutExecuting(t *testing.T) {
	answer := "Here you go:\n```sql\nSELECT COUNT(*) FROM orders\n```\nThis counts the orders."
	generator := &fakeGenerator{replies: []string{answer}}
	executor := &fakeExecutor{}
	schema := &fakeSchema{tables: []warehouse.TableInfo{{Name: "orders", Columns: []string{"id", "total"}}}}
	engine := newTestEngine(generator, executor)
	engine.Schema = schema
	session := NewSession("s1", time.Now())

	report, err := engine.Submit(context.Background(), session, "how many rows in orders?", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if report.Outcome != OutcomeAnswered || report.Statement != "SELECT COUNT(*) FROM orders" {
		t.Fatalf("report = %+v", report)
	}
	if session.Pending() != answer {
		t.Fatalf("Pending() = %q", session.Pending())
	}
	if len(executor.calls) != 0 {
		t.Fatalf("executor calls = %#v, want none", executor.calls)
	}
	history := session.History()
	if len(history) != 1 || history[0].Question != "how many rows in orders?" || history[0].Answer != answer {
		t.Fatalf("History() = %#v", history)
	}
	if len(generator.requests) != 1 {
		t.Fatalf("generator requests = %d", len(generator.requests))
	}
	tables := generator.requests[0].Tables
	if len(tables) != 1 || tables[0].TableName != "orders" {
		t.Fatalf("Tables = %#v", tables)
	}
	last := session.Turns()[session.Len()-1]
	if last.Role != RoleAssistant || last.Text != answer {
		t.Fatalf("last turn = %#v", last)
	}
}

func TestSubmitPassesHistoryToGenerator(t *testing.T) {
	generator := &fakeGenerator{replies: []string{"first", "second"}}
	engine := newTestEngine(generator, &fakeExecutor{})
	session := NewSession("s1", time.Now())

	for _, input := range []string{"q1", "q2"} {
		if _, err := engine.Submit(context.Background(), session, input, nil); err != nil {
			t.Fatalf("Submit(%q) error = %v", input, err)
		}
	}
	got := generator.requests[1].History
	want := []nl2sql.Exchange{{Question: "q1", Answer: "first"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("History = %#v, want %#v", got, want)
	}
}

func TestSubmitPropagatesGenerationError(t *testing.T) {
	generator := &fakeGenerator{err: errors.New("provider down")}
	engine := newTestEngine(generator, &fakeExecutor{})
	session := NewSession("s1", time.Now())

	_, err := engine.Submit(context.Background(), session, "anything?", nil)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("Submit() error = %v, want GenerationError", err)
	}
	if session.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", session.Len())
	}
	if session.Pending() != "" {
		t.Fatalf("Pending() = %q", session.Pending())
	}
}

func TestCorrectionStopsAfterMaxRetries(t *testing.T) {
	generator := &fakeGenerator{replies: []string{
		"```sql\nSELEC 2\n```",
		"```sql\nSELEC 3\n```",
		"```sql\nSELEC 4\n```",
	}}
	executor := &fakeExecutor{}
	engine := newTestEngine(generator, executor)
	session := NewSession("s1", time.Now())

	report, err := engine.Submit(context.Background(), session, "$RUNSELEC 1", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if report.Outcome != OutcomeExhausted {
		t.Fatalf("Outcome = %q, want %q", report.Outcome, OutcomeExhausted)
	}
	if report.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", report.Attempts)
	}
	if want := []string{"SELEC 1", "SELEC 2", "SELEC 3"}; !reflect.DeepEqual(executor.calls, want) {
		t.Fatalf("executor calls = %#v, want %#v", executor.calls, want)
	}
	if len(generator.requests) != 2 {
		t.Fatalf("generator requests = %d, want 2", len(generator.requests))
	}
	if !strings.Contains(generator.requests[1].Question, "SELEC 2") ||
		!strings.Contains(generator.requests[1].Question, `syntax error at or near "SELEC"`) {
		t.Fatalf("correction prompt = %q", generator.requests[1].Question)
	}

	texts := assistantTexts(session.Turns()[2:])
	want := []string{
		MessageFixing, "```sql\nSELEC 2\n```",
		MessageFixing, "```sql\nSELEC 3\n```",
		MessageExhausted,
	}
	if !reflect.DeepEqual(texts, want) {
		t.Fatalf("assistant turns = %#v, want %#v", texts, want)
	}
	for _, turn := range session.Turns() {
		if strings.Contains(turn.Text, "syntax error") {
			t.Fatalf("diagnostic leaked into transcript: %#v", turn)
		}
	}
}

func TestCorrectionSucceedsAndUpdatesPending(t *testing.T) {
	generator := &fakeGenerator{replies: []string{"Fixed:\n```sql\nSELECT id FROM orders\n```"}}
	executor := &fakeExecutor{results: map[string]warehouse.Result{
		"SELECT id FROM orders": {Columns: []string{"id"}, Rows: [][]any{{int64(7)}}},
	}}
	engine := newTestEngine(generator, executor)
	session := NewSession("s1", time.Now())

	report, err := engine.Submit(context.Background(), session, "$RUNSELECT idd FROM orders", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if report.Outcome != OutcomeCorrected || report.Attempts != 1 {
		t.Fatalf("report = %+v", report)
	}
	if session.Pending() != "SELECT id FROM orders" {
		t.Fatalf("Pending() = %q", session.Pending())
	}
	data, ok := session.LastData()
	if !ok || data.Table.Rows[0][0] != int64(7) {
		t.Fatalf("LastData() = %#v, %v", data, ok)
	}
	history := session.History()
	if len(history) != 1 || history[0].Question != "$RUNSELECT idd FROM orders" {
		t.Fatalf("History() = %#v", history)
	}
}

func TestCorrectionEndsWhenReplyHasNoStatement(t *testing.T) {
	generator := &fakeGenerator{replies: []string{"I am not sure what went wrong."}}
	executor := &fakeExecutor{}
	engine := newTestEngine(generator, executor)
	session := NewSession("s1", time.Now())

	report, err := engine.Submit(context.Background(), session, "$RUNSELEC 1", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if report.Outcome != OutcomeExhausted || report.Attempts != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(executor.calls) != 1 {
		t.Fatalf("executor calls = %#v", executor.calls)
	}
	if len(generator.requests) != 1 {
		t.Fatalf("generator requests = %d, want 1", len(generator.requests))
	}
	texts := assistantTexts(session.Turns()[2:])
	want := []string{MessageFixing, "I am not sure what went wrong.", MessageExhausted}
	if !reflect.DeepEqual(texts, want) {
		t.Fatalf("assistant turns = %#v, want %#v", texts, want)
	}
}

func TestCorrectionRefusesMutatingFix(t *testing.T) {
	generator := &fakeGenerator{replies: []string{"```sql\nDELETE FROM orders\n```"}}
	executor := &fakeExecutor{}
	engine := newTestEngine(generator, executor)
	session := NewSession("s1", time.Now())

	report, err := engine.Submit(context.Background(), session, "$RUNSELEC 1", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if report.Outcome != OutcomeRefused {
		t.Fatalf("Outcome = %q", report.Outcome)
	}
	if len(executor.calls) != 1 {
		t.Fatalf("executor calls = %#v", executor.calls)
	}
	last := session.Turns()[session.Len()-1]
	if last.Text != MessageRefused {
		t.Fatalf("last turn = %#v", last)
	}
}

func TestCorrectionDisabled(t *testing.T) {
	generator := &fakeGenerator{}
	executor := &fakeExecutor{}
	engine := newTestEngine(generator, executor)
	engine.Config.DisableCorrection = true
	session := NewSession("s1", time.Now())

	report, err := engine.Submit(context.Background(), session, "$RUNSELEC 1", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if report.Outcome != OutcomeExhausted {
		t.Fatalf("Outcome = %q", report.Outcome)
	}
	if len(generator.requests) != 0 {
		t.Fatalf("generator requests = %d, want 0", len(generator.requests))
	}
}

func TestZeroConfigUsesDefaults(t *testing.T) {
	generator := &fakeGenerator{replies: []string{
		"```sql\nSELEC 2\n```",
		"```sql\nSELEC 3\n```",
	}}
	executor := &fakeExecutor{}
	engine := &Engine{Generator: generator, Executor: executor}
	session := NewSession("s1", time.Now())

	report, err := engine.Submit(context.Background(), session, DefaultTriggerToken+"SELEC 1", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if report.Path != PathLiteral || report.Outcome != OutcomeExhausted {
		t.Fatalf("report = %+v", report)
	}
	if report.Attempts != DefaultMaxRetries || len(generator.requests) != DefaultMaxRetries {
		t.Fatalf("attempts = %d, generator requests = %d, want %d", report.Attempts, len(generator.requests), DefaultMaxRetries)
	}
	if !reflect.DeepEqual(engine.Config, Config{}) || engine.Logger != nil {
		t.Fatalf("engine fields were modified: %+v", engine.Config)
	}
}

func TestSubmitConcurrentSessionsShareEngine(t *testing.T) {
	engine := &Engine{Executor: staticExecutor{}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := NewSession(fmt.Sprintf("s%d", i), time.Now())
			report, err := engine.Submit(context.Background(), session, "$RUNSELECT 1", nil)
			if err != nil || report.Outcome != OutcomeExecuted {
				t.Errorf("Submit() = %+v, %v", report, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestUnavailableWarehouseIsNotCorrected(t *testing.T) {
	generator := &fakeGenerator{}
	executor := &fakeExecutor{err: fmt.Errorf("%w: dial tcp: refused", warehouse.ErrUnavailable)}
	engine := newTestEngine(generator, executor)
	session := NewSession("s1", time.Now())

	_, err := engine.Submit(context.Background(), session, "$RUNSELECT 1", nil)
	if !errors.Is(err, warehouse.ErrUnavailable) {
		t.Fatalf("Submit() error = %v, want ErrUnavailable", err)
	}
	if len(generator.requests) != 0 {
		t.Fatalf("generator requests = %d, want 0", len(generator.requests))
	}
}

func TestRerunExecutesPendingStatement(t *testing.T) {
	answer := "```sql\nSELECT COUNT(*) FROM orders\n```"
	generator := &fakeGenerator{replies: []string{answer}}
	executor := &fakeExecutor{results: map[string]warehouse.Result{
		"SELECT COUNT(*) FROM orders": {Columns: []string{"count"}, Rows: [][]any{{int64(42)}}},
	}}
	engine := newTestEngine(generator, executor)
	session := NewSession("s1", time.Now())

	if _, err := engine.Submit(context.Background(), session, "how many rows in orders?", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	report, err := engine.Rerun(context.Background(), session, nil)
	if err != nil {
		t.Fatalf("Rerun() error = %v", err)
	}
	if report.Path != PathRerun || report.Outcome != OutcomeExecuted {
		t.Fatalf("report = %+v", report)
	}
	if want := []string{"SELECT COUNT(*) FROM orders"}; !reflect.DeepEqual(executor.calls, want) {
		t.Fatalf("executor calls = %#v, want %#v", executor.calls, want)
	}
}

func TestRerunFallsBackToRawPendingText(t *testing.T) {
	generator := &fakeGenerator{replies: []string{"  SELECT 1  "}}
	executor := &fakeExecutor{}
	engine := newTestEngine(generator, executor)
	session := NewSession("s1", time.Now())

	if _, err := engine.Submit(context.Background(), session, "one?", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := engine.Rerun(context.Background(), session, nil); err != nil {
		t.Fatalf("Rerun() error = %v", err)
	}
	if want := []string{"SELECT 1"}; !reflect.DeepEqual(executor.calls, want) {
		t.Fatalf("executor calls = %#v, want %#v", executor.calls, want)
	}
}

func TestRerunWithoutPendingResult(t *testing.T) {
	engine := newTestEngine(&fakeGenerator{}, &fakeExecutor{})
	session := NewSession("s1", time.Now())

	_, err := engine.Rerun(context.Background(), session, nil)
	if !errors.Is(err, ErrNoPendingResult) {
		t.Fatalf("Rerun() error = %v, want ErrNoPendingResult", err)
	}
	if session.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", session.Len())
	}
}

func TestLogGrowsMonotonicallyUntilReset(t *testing.T) {
	generator := &fakeGenerator{replies: []string{"```sql\nSELECT 1\n```", "```sql\nSELECT 2\n```"}}
	engine := newTestEngine(generator, &fakeExecutor{})
	session := NewSession("s1", time.Now())

	inputs := []string{"first?", "$RUNSELECT 1", "$RUN DROP TABLE x", "$RUNSELEC", "$RUN"}
	previous := session.Len()
	for _, input := range inputs {
		if _, err := engine.Submit(context.Background(), session, input, nil); err != nil {
			t.Fatalf("Submit(%q) error = %v", input, err)
		}
		if session.Len() <= previous {
			t.Fatalf("Len() after %q = %d, previous %d", input, session.Len(), previous)
		}
		previous = session.Len()
	}

	engine.Reset(session)
	if !reflect.DeepEqual(session.Turns(), SeedTurns()) {
		t.Fatalf("Turns() after reset = %#v", session.Turns())
	}
	if len(session.History()) != 0 || session.Pending() != "" {
		t.Fatalf("state not cleared: history=%d pending=%q", len(session.History()), session.Pending())
	}
}

func TestRenderSeesEveryNewTurnInOrder(t *testing.T) {
	generator := &fakeGenerator{replies: []string{"```sql\nSELEC 2\n```", "```sql\nSELECT 3\n```"}}
	engine := newTestEngine(generator, &fakeExecutor{})
	session := NewSession("s1", time.Now())

	var rendered []Turn
	before := session.Len()
	if _, err := engine.Submit(context.Background(), session, "$RUNSELEC 1", func(turn Turn) {
		rendered = append(rendered, turn)
	}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !reflect.DeepEqual(rendered, session.TurnsSince(before)) {
		t.Fatalf("rendered = %#v, want %#v", rendered, session.TurnsSince(before))
	}
}

func TestSchemaContextLoadedOnce(t *testing.T) {
	schema := &fakeSchema{err: errors.New("catalog offline")}
	generator := &fakeGenerator{replies: []string{"a", "b", "c"}}
	engine := newTestEngine(generator, &fakeExecutor{})
	engine.Schema = schema
	session := NewSession("s1", time.Now())

	if _, err := engine.Submit(context.Background(), session, "q1", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if generator.requests[0].Tables != nil {
		t.Fatalf("Tables = %#v, want nil after describe failure", generator.requests[0].Tables)
	}

	schema.err = nil
	schema.tables = []warehouse.TableInfo{{Name: "orders"}}
	for _, input := range []string{"q2", "q3"} {
		if _, err := engine.Submit(context.Background(), session, input, nil); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	if schema.calls != 2 {
		t.Fatalf("Describe calls = %d, want 2", schema.calls)
	}
	if len(generator.requests[2].Tables) != 1 {
		t.Fatalf("Tables = %#v", generator.requests[2].Tables)
	}
}

func newTestEngine(generator *fakeGenerator, executor *fakeExecutor) *Engine {
	return &Engine{
		Generator: generator,
		Executor:  executor,
		Config:    Config{TriggerToken: "$RUN", MaxRetries: 2},
	}
}

func assistantTexts(turns []Turn) []string {
	texts := make([]string, 0, len(turns))
	for _, turn := range turns {
		if turn.Role == RoleAssistant {
			texts = append(texts, turn.Text)
		}
	}
	return texts
}

type fakeGenerator struct {
	replies  []string
	err      error
	requests []nl2sql.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req nl2sql.Request) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

// fakeExecutor rejects misspelled statements the way a warehouse would.
type fakeExecutor struct {
	results map[string]warehouse.Result
	err     error
	calls   []string
}

func (f *fakeExecutor) Run(_ context.Context, sqlText string) (warehouse.Result, error) {
	f.calls = append(f.calls, sqlText)
	if f.err != nil {
		return warehouse.Result{}, f.err
	}
	if strings.HasPrefix(sqlText, "SELEC ") || sqlText == "SELEC" || strings.Contains(sqlText, "idd") {
		return warehouse.Result{}, warehouse.NewExecutionError(sqlText, errors.New(`syntax error at or near "SELEC"`))
	}
	if result, ok := f.results[sqlText]; ok {
		return result, nil
	}
	return warehouse.Result{Columns: []string{"ok"}, Rows: [][]any{{true}}}, nil
}

type staticExecutor struct{}

func (staticExecutor) Run(context.Context, string) (warehouse.Result, error) {
	return warehouse.Result{Columns: []string{"one"}, Rows: [][]any{{int64(1)}}}, nil
}

type fakeSchema struct {
	tables []warehouse.TableInfo
	err    error
	calls  int
}

func (f *fakeSchema) Describe(_ context.Context, _ warehouse.TableFilter) ([]warehouse.TableInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.tables, nil
}
