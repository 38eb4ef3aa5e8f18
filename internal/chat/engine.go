package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/duckmesh/duckchat/internal/nl2sql"
	"github.com/duckmesh/duckchat/internal/observability"
	"github.com/duckmesh/duckchat/internal/sqltext"
	"github.com/duckmesh/duckchat/internal/warehouse"
)

const (
	DefaultTriggerToken = "$RUN"
	DefaultMaxRetries   = 2

	MessageRefused      = "Sorry, I can't execute queries that can modify the database."
	MessageFixing       = "Uh oh, I made an error, let me try to fix it.."
	MessageExhausted    = "I'm sorry, I couldn't fix the error. Please try again."
	MessageNothingToRun = "There is no query to run."
)

type Path string

const (
	PathLiteral  Path = "literal"
	PathQuestion Path = "question"
	PathRerun    Path = "rerun"
)

type Outcome string

const (
	OutcomeAnswered     Outcome = "answered"
	OutcomeExecuted     Outcome = "executed"
	OutcomeCorrected    Outcome = "corrected"
	OutcomeRefused      Outcome = "refused"
	OutcomeExhausted    Outcome = "exhausted"
	OutcomeNothingToRun Outcome = "nothing_to_run"
)

// Report summarises how one input was handled.
type Report struct {
	Path      Path
	Outcome   Outcome
	Statement string
	// Attempts counts executions performed by the correction loop.
	Attempts int
}

type SchemaSource interface {
	Describe(ctx context.Context, filter warehouse.TableFilter) ([]warehouse.TableInfo, error)
}

type Config struct {
	TriggerToken string
	// MaxRetries bounds re-executions per failed statement. Zero or negative
	// selects DefaultMaxRetries.
	MaxRetries int
	// DisableCorrection reports execution failures without asking the
	// generator for a fix.
	DisableCorrection bool
	Schema            warehouse.TableFilter
}

// Engine dispatches user input for any number of sessions. Callers must not
// run two inputs for the same session concurrently.
type Engine struct {
	Generator nl2sql.Generator
	Executor  warehouse.Executor
	Schema    SchemaSource
	Config    Config
	Logger    *slog.Logger

	schemaMu     sync.Mutex
	schemaLoaded bool
	tables       []nl2sql.TableContext
}

// The accessors below resolve defaults without writing to e, which is shared
// by every session goroutine.

func (e *Engine) triggerToken() string {
	if e.Config.TriggerToken == "" {
		return DefaultTriggerToken
	}
	return e.Config.TriggerToken
}

func (e *Engine) retryBudget() int {
	switch {
	case e.Config.DisableCorrection:
		return 0
	case e.Config.MaxRetries <= 0:
		return DefaultMaxRetries
	default:
		return e.Config.MaxRetries
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return discardLogger
	}
	return e.Logger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Submit appends the user's input to the session and routes it either to
// direct execution (trigger token prefix) or to the generator.
func (e *Engine) Submit(ctx context.Context, s *Session, input string, render RenderFunc) (Report, error) {
	if s == nil {
		return Report{}, fmt.Errorf("session is required")
	}
	s.append(userTurn(input), render)

	if token := e.triggerToken(); strings.HasPrefix(input, token) {
		observability.ObserveTurn(string(PathLiteral))
		report, err := e.runStatement(ctx, s, input[len(token):], render)
		report.Path = PathLiteral
		return report, err
	}

	observability.ObserveTurn(string(PathQuestion))
	answer, err := e.generate(ctx, s, input)
	if err != nil {
		return Report{Path: PathQuestion}, err
	}
	s.append(assistantTurn(answer), render)
	s.history.Add(input, answer)
	s.pending = answer

	statement, _ := sqltext.ExtractStatement(answer)
	return Report{Path: PathQuestion, Outcome: OutcomeAnswered, Statement: statement}, nil
}

// Rerun executes the session's pending result through the guarded path.
func (e *Engine) Rerun(ctx context.Context, s *Session, render RenderFunc) (Report, error) {
	if s == nil {
		return Report{}, fmt.Errorf("session is required")
	}
	if strings.TrimSpace(s.pending) == "" {
		return Report{Path: PathRerun}, ErrNoPendingResult
	}
	observability.ObserveTurn(string(PathRerun))

	statement, ok := sqltext.ExtractStatement(s.pending)
	if !ok {
		statement = strings.TrimSpace(s.pending)
	}
	report, err := e.runStatement(ctx, s, statement, render)
	report.Path = PathRerun
	return report, err
}

// Reset restores the seed transcript and forgets history and the pending result.
func (e *Engine) Reset(s *Session) {
	if s == nil {
		return
	}
	s.reset()
}

func (e *Engine) runStatement(ctx context.Context, s *Session, statement string, render RenderFunc) (Report, error) {
	statement = strings.TrimSpace(statement)
	if statement == "" {
		s.append(assistantTurn(MessageNothingToRun), render)
		return Report{Outcome: OutcomeNothingToRun}, nil
	}
	if sqltext.IsMutating(statement) {
		observability.IncrementRefusedStatements()
		observability.SessionLogger(ctx, e.logger(), s.ID).InfoContext(ctx, "refused mutating statement",
			slog.String("keyword", sqltext.FirstKeyword(statement)),
		)
		s.append(assistantTurn(MessageRefused), render)
		return Report{Outcome: OutcomeRefused, Statement: statement}, nil
	}

	result, err := e.execute(ctx, statement)
	if err == nil {
		s.append(dataTurn(result), render)
		return Report{Outcome: OutcomeExecuted, Statement: statement}, nil
	}

	var execErr *warehouse.ExecutionError
	if !errors.As(err, &execErr) {
		return Report{Statement: statement}, err
	}
	return e.correct(ctx, s, execErr, render)
}

type loopState int

const (
	stateAttempting loopState = iota
	stateSucceeded
	stateExhausted
	stateRefused
)

// correct drives the self-correction loop for a statement the warehouse
// rejected. Every execution consumes one unit of budget; a reply without a
// SQL block ends the loop without consuming any.
func (e *Engine) correct(ctx context.Context, s *Session, failure *warehouse.ExecutionError, render RenderFunc) (Report, error) {
	budget := e.retryBudget()
	report := Report{Statement: failure.Query}
	logger := observability.SessionLogger(ctx, e.logger(), s.ID)

	state := stateAttempting
	for state == stateAttempting {
		logger.WarnContext(ctx, "statement failed",
			slog.String("statement", failure.Query),
			slog.String("diagnostic", failure.Diagnostic),
			slog.Int("budget", budget),
		)
		if budget == 0 {
			state = stateExhausted
			break
		}

		s.append(assistantTurn(MessageFixing), render)
		prompt := nl2sql.CorrectionPrompt(failure.Query, failure.Diagnostic)
		answer, err := e.generate(ctx, s, prompt)
		if err != nil {
			return report, err
		}
		s.append(assistantTurn(answer), render)
		s.history.Add(s.log.LastUserText(), answer)

		statement, ok := sqltext.ExtractStatement(answer)
		if !ok {
			logger.WarnContext(ctx, "correction reply contained no statement")
			state = stateExhausted
			break
		}
		report.Statement = statement
		if sqltext.IsMutating(statement) {
			observability.IncrementRefusedStatements()
			s.append(assistantTurn(MessageRefused), render)
			state = stateRefused
			break
		}

		budget--
		report.Attempts++
		result, err := e.execute(ctx, statement)
		if err == nil {
			s.append(dataTurn(result), render)
			s.pending = statement
			state = stateSucceeded
			break
		}
		var execErr *warehouse.ExecutionError
		if !errors.As(err, &execErr) {
			return report, err
		}
		failure = execErr
	}

	switch state {
	case stateSucceeded:
		report.Outcome = OutcomeCorrected
	case stateRefused:
		report.Outcome = OutcomeRefused
	default:
		s.append(assistantTurn(MessageExhausted), render)
		report.Outcome = OutcomeExhausted
	}
	observability.ObserveCorrection(string(report.Outcome))
	logger.InfoContext(ctx, "correction loop finished",
		slog.String("outcome", string(report.Outcome)),
		slog.Int("attempts", report.Attempts),
	)
	return report, nil
}

func (e *Engine) generate(ctx context.Context, s *Session, question string) (string, error) {
	if e.Generator == nil {
		return "", &GenerationError{Err: fmt.Errorf("generator is not configured")}
	}
	req := nl2sql.Request{
		Question: question,
		History:  s.History(),
		Tables:   e.schemaContext(ctx),
	}
	start := time.Now()
	answer, err := e.Generator.Generate(ctx, req)
	observability.ObserveGeneration(time.Since(start), err)
	if err != nil {
		return "", &GenerationError{Err: err}
	}
	return answer, nil
}

func (e *Engine) execute(ctx context.Context, statement string) (warehouse.Result, error) {
	if e.Executor == nil {
		return warehouse.Result{}, warehouse.ErrUnavailable
	}
	start := time.Now()
	result, err := e.Executor.Run(ctx, statement)
	observability.ObserveExecution(time.Since(start), err)
	return result, err
}

// schemaContext loads table descriptions once; failures are retried on the
// next generation.
func (e *Engine) schemaContext(ctx context.Context) []nl2sql.TableContext {
	if e.Schema == nil {
		return nil
	}
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()
	if e.schemaLoaded {
		return e.tables
	}

	infos, err := e.Schema.Describe(ctx, e.Config.Schema)
	if err != nil {
		e.logger().WarnContext(ctx, "describe warehouse schema failed", slog.Any("error", err))
		return nil
	}
	tables := make([]nl2sql.TableContext, 0, len(infos))
	for _, info := range infos {
		tables = append(tables, nl2sql.TableContext{
			TableName:  info.Name,
			Columns:    info.Columns,
			SampleRows: info.SampleRows,
		})
	}
	e.tables = tables
	e.schemaLoaded = true
	return tables
}
