package chat

import (
	"github.com/duckmesh/duckchat/internal/warehouse"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleData      Role = "data"
)

// Turn is one transcript entry. Data turns carry Table, the others Text.
type Turn struct {
	Role  Role
	Text  string
	Table warehouse.Result
}

func (t Turn) IsUser() bool {
	return t.Role == RoleUser
}

func (t Turn) IsTabular() bool {
	return t.Role == RoleData
}

// RenderFunc is called once for every turn appended to a session, in order.
type RenderFunc func(turn Turn)

func userTurn(text string) Turn {
	return Turn{Role: RoleUser, Text: text}
}

func assistantTurn(text string) Turn {
	return Turn{Role: RoleAssistant, Text: text}
}

func dataTurn(result warehouse.Result) Turn {
	return Turn{Role: RoleData, Table: cloneResult(result)}
}

func cloneResult(result warehouse.Result) warehouse.Result {
	columns := append([]string(nil), result.Columns...)
	rows := make([][]any, len(result.Rows))
	for i, row := range result.Rows {
		rows[i] = append([]any(nil), row...)
	}
	return warehouse.Result{Columns: columns, Rows: rows, Duration: result.Duration}
}
