package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Opener func(ctx context.Context) (*sql.DB, error)

type Options struct {
	RowLimit int
	Closer   func() error
}

// DB is a database/sql backed Executor. The connection is opened on first use
// and reused for every later statement.
type DB struct {
	open     Opener
	rowLimit int
	closer   func() error

	mu sync.Mutex
	db *sql.DB
}

func NewDB(open Opener, opts Options) *DB {
	return &DB{open: open, rowLimit: opts.RowLimit, closer: opts.Closer}
}

func (d *DB) handle(ctx context.Context) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return d.db, nil
	}
	if d.open == nil {
		return nil, fmt.Errorf("%w: no opener configured", ErrUnavailable)
	}
	db, err := d.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	d.db = db
	return db, nil
}

func (d *DB) Run(ctx context.Context, sqlText string) (Result, error) {
	sqlText = stripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return Result{}, NewExecutionError(sqlText, errors.New("sql is required"))
	}
	db, err := d.handle(ctx)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	statement := sqlText
	if d.rowLimit > 0 {
		// The body sits on its own lines so a trailing line comment cannot swallow
		// the closing parenthesis.
		statement = fmt.Sprintf("SELECT * FROM (\n%s\n) AS q LIMIT %d", sqlText, d.rowLimit)
	}
	columns, rows, err := queryRows(ctx, db, statement)
	if err != nil {
		return Result{}, NewExecutionError(sqlText, err)
	}
	return Result{Columns: columns, Rows: rows, Duration: time.Since(start)}, nil
}

func (d *DB) Ping(ctx context.Context) error {
	db, err := d.handle(ctx)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping warehouse: %w", err)
	}
	return nil
}

// Describe lists the columns of every table in filter.Schema, optionally
// restricted to filter.Include, with up to filter.SampleRows rows each.
func (d *DB) Describe(ctx context.Context, filter TableFilter) ([]TableInfo, error) {
	db, err := d.handle(ctx)
	if err != nil {
		return nil, err
	}
	schema := strings.TrimSpace(filter.Schema)
	if schema == "" {
		return nil, fmt.Errorf("schema is required")
	}

	_, rows, err := queryRows(ctx, db, "SELECT table_name, column_name FROM information_schema.columns WHERE table_schema = "+quoteLiteral(schema)+" ORDER BY table_name, ordinal_position")
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}

	include := map[string]struct{}{}
	for _, name := range filter.Include {
		if name = strings.TrimSpace(name); name != "" {
			include[strings.ToLower(name)] = struct{}{}
		}
	}

	byTable := map[string]*TableInfo{}
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		tableName, columnName := fmt.Sprint(row[0]), fmt.Sprint(row[1])
		if len(include) > 0 {
			if _, ok := include[strings.ToLower(tableName)]; !ok {
				continue
			}
		}
		info, ok := byTable[tableName]
		if !ok {
			info = &TableInfo{Name: tableName}
			byTable[tableName] = info
		}
		info.Columns = append(info.Columns, columnName)
	}

	names := make([]string, 0, len(byTable))
	for name := range byTable {
		names = append(names, name)
	}
	sort.Strings(names)

	tables := make([]TableInfo, 0, len(names))
	for _, name := range names {
		info := byTable[name]
		if filter.SampleRows > 0 {
			sampleSQL := "SELECT * FROM " + quoteIdent(schema) + "." + quoteIdent(name) + " LIMIT " + strconv.Itoa(filter.SampleRows)
			if _, sample, err := queryRows(ctx, db, sampleSQL); err == nil {
				info.SampleRows = sample
			}
		}
		tables = append(tables, *info)
	}
	return tables, nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	if d.db != nil {
		errs = append(errs, d.db.Close())
		d.db = nil
	}
	if d.closer != nil {
		errs = append(errs, d.closer())
	}
	return errors.Join(errs...)
}

func queryRows(ctx context.Context, db *sql.DB, statement string) ([]string, [][]any, error) {
	rows, err := db.QueryContext(ctx, statement)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, resultRows, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
