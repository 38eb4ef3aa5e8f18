package nl2sql

import "context"

type TableContext struct {
	TableName  string   `json:"table_name"`
	Columns    []string `json:"columns"`
	SampleRows [][]any  `json:"sample_rows,omitempty"`
}

// Exchange is one completed question/answer cycle fed back as context.
type Exchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type Request struct {
	Question string         `json:"question"`
	History  []Exchange     `json:"history"`
	Tables   []TableContext `json:"tables"`
}

// Generator turns a question into model text. The text may contain a
// fenced ```sql block; callers extract it themselves.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type GeneratorFunc func(ctx context.Context, req Request) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
