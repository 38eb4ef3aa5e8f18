package duckchatctl

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

const maxRenderedRows = 50

func renderTurns(w io.Writer, turns []turn) {
	for _, t := range turns {
		renderTurn(w, t)
	}
}

func renderTurn(w io.Writer, t turn) {
	switch t.Role {
	case "data":
		renderTable(w, t)
	case "user":
		_, _ = fmt.Fprintf(w, "you> %s\n", t.Text)
	default:
		_, _ = fmt.Fprintf(w, "duckchat> %s\n", t.Text)
	}
}

func renderTable(w io.Writer, t turn) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(t.Columns, "\t"))
	underline := make([]string, len(t.Columns))
	for i, column := range t.Columns {
		underline[i] = strings.Repeat("-", max(len(column), 1))
	}
	_, _ = fmt.Fprintln(tw, strings.Join(underline, "\t"))

	for i, row := range t.Rows {
		if i == maxRenderedRows {
			break
		}
		cells := make([]string, len(row))
		for j, value := range row {
			cells[j] = formatCell(value)
		}
		_, _ = fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()

	summary := fmt.Sprintf("(%d rows, %d ms)", len(t.Rows), t.DurationMs)
	if len(t.Rows) > maxRenderedRows {
		summary = fmt.Sprintf("(showing %d of %d rows, %d ms)", maxRenderedRows, len(t.Rows), t.DurationMs)
	}
	_, _ = fmt.Fprintln(w, summary)
}

func formatCell(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case string:
		return strings.ReplaceAll(v, "\t", " ")
	default:
		return fmt.Sprint(v)
	}
}
