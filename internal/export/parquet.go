package export

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/duckchat/internal/warehouse"
)

type ParquetEncodeResult struct {
	Data     []byte
	RowCount int64
	Columns  []string
}

type columnKind int

const (
	kindString columnKind = iota
	kindInt64
	kindDouble
	kindBoolean
)

// EncodeResultToParquet writes a query result as a single parquet file. Every
// column is optional; its physical type is inferred from the non-null values
// and falls back to text when they disagree.
func EncodeResultToParquet(result warehouse.Result) (ParquetEncodeResult, error) {
	if len(result.Columns) == 0 {
		return ParquetEncodeResult{}, fmt.Errorf("result has no columns")
	}
	for i, row := range result.Rows {
		if len(row) != len(result.Columns) {
			return ParquetEncodeResult{}, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(result.Columns))
		}
	}

	names := uniqueColumnNames(result.Columns)
	kinds := make([]columnKind, len(names))
	group := parquet.Group{}
	for i, name := range names {
		kinds[i] = inferKind(result.Rows, i)
		group[name] = parquet.Optional(kindNode(kinds[i]))
	}
	schema := parquet.NewSchema("result", group)

	// Group fields are ordered by name, which fixes the leaf column index.
	columnIndex := make(map[string]int, len(names))
	for i, field := range schema.Fields() {
		columnIndex[field.Name()] = i
	}

	rows := make([]parquet.Row, 0, len(result.Rows))
	for _, values := range result.Rows {
		row := make(parquet.Row, len(names))
		for i, name := range names {
			index := columnIndex[name]
			row[index] = encodeValue(kinds[i], values[i], index)
		}
		rows = append(rows, row)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema)
	if _, err := writer.WriteRows(rows); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return ParquetEncodeResult{
		Data:     buf.Bytes(),
		RowCount: int64(len(rows)),
		Columns:  names,
	}, nil
}

// uniqueColumnNames fills blank names and suffixes duplicates with _2, _3, ...
// skipping any suffix that is already taken.
func uniqueColumnNames(columns []string) []string {
	used := make(map[string]bool, len(columns))
	next := make(map[string]int, len(columns))
	names := make([]string, len(columns))
	for i, column := range columns {
		base := column
		if base == "" {
			base = "column_" + strconv.Itoa(i+1)
		}
		name := base
		for used[name] {
			if next[base] < 2 {
				next[base] = 2
			}
			name = base + "_" + strconv.Itoa(next[base])
			next[base]++
		}
		used[name] = true
		names[i] = name
	}
	return names
}

func inferKind(rows [][]any, column int) columnKind {
	kind := columnKind(-1)
	for _, row := range rows {
		value := row[column]
		if value == nil {
			continue
		}
		var current columnKind
		switch value.(type) {
		case int, int8, int16, int32, int64, uint8, uint16, uint32:
			current = kindInt64
		case float32, float64:
			current = kindDouble
		case bool:
			current = kindBoolean
		default:
			current = kindString
		}
		if kind == -1 {
			kind = current
		} else if kind != current {
			return kindString
		}
	}
	if kind == -1 {
		return kindString
	}
	return kind
}

func kindNode(kind columnKind) parquet.Node {
	switch kind {
	case kindInt64:
		return parquet.Int(64)
	case kindDouble:
		return parquet.Leaf(parquet.DoubleType)
	case kindBoolean:
		return parquet.Leaf(parquet.BooleanType)
	default:
		return parquet.String()
	}
}

func encodeValue(kind columnKind, value any, column int) parquet.Value {
	if value == nil {
		return parquet.NullValue().Level(0, 0, column)
	}
	var encoded parquet.Value
	switch kind {
	case kindInt64:
		encoded = parquet.Int64Value(toInt64(value))
	case kindDouble:
		encoded = parquet.DoubleValue(toFloat64(value))
	case kindBoolean:
		encoded = parquet.BooleanValue(value.(bool))
	default:
		encoded = parquet.ByteArrayValue([]byte(formatText(value)))
	}
	return encoded.Level(0, 1, column)
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	}
	return 0
}

func toFloat64(value any) float64 {
	switch v := value.(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

func formatText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
