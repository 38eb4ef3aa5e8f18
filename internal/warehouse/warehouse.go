package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable is returned when the warehouse connection cannot be established.
var ErrUnavailable = errors.New("warehouse unavailable")

type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

type Executor interface {
	Run(ctx context.Context, sqlText string) (Result, error)
}

// ExecutionError carries the statement the warehouse rejected and its diagnostic.
type ExecutionError struct {
	Query      string
	Diagnostic string
	Err        error
}

func NewExecutionError(query string, err error) *ExecutionError {
	diagnostic := ""
	if err != nil {
		diagnostic = strings.TrimSpace(err.Error())
	}
	return &ExecutionError{Query: query, Diagnostic: diagnostic, Err: err}
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute query: %s", e.Diagnostic)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

type TableFilter struct {
	Schema     string
	Include    []string
	SampleRows int
}

type TableInfo struct {
	Name       string
	Columns    []string
	SampleRows [][]any
}
