package nl2sql

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxHistoryExchanges = 10

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const systemPrompt = "You are a data assistant that answers questions by writing a single read-only SQL query. " +
	"Use only the tables and columns listed in the schema context. " +
	"Put the query in a fenced code block that starts with ```sql and ends with ```, " +
	"followed by at most two sentences explaining it. Never write statements that modify data or schema."

// BuildMessages renders the system prompt, the recent history as alternating
// user/assistant messages and the current question with its schema context.
func BuildMessages(req Request) ([]Message, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}

	messages := []Message{{Role: "system", Content: systemPrompt}}
	history := req.History
	if len(history) > maxHistoryExchanges {
		history = history[len(history)-maxHistoryExchanges:]
	}
	for _, exchange := range history {
		messages = append(messages,
			Message{Role: "user", Content: exchange.Question},
			Message{Role: "assistant", Content: exchange.Answer},
		)
	}

	userPrompt := question
	if len(req.Tables) > 0 {
		tablesJSON, err := json.Marshal(req.Tables)
		if err != nil {
			return nil, fmt.Errorf("marshal table context: %w", err)
		}
		userPrompt = fmt.Sprintf("Schema and sample context (JSON):\n%s\n\nQuestion:\n%s", string(tablesJSON), question)
	}
	messages = append(messages, Message{Role: "user", Content: userPrompt})
	return messages, nil
}

// CorrectionPrompt asks the model to repair a statement the warehouse rejected.
func CorrectionPrompt(query, diagnostic string) string {
	return "The SQL query below failed. Fix it by checking the schema definition and reply with the corrected query in a ```sql block.\n" +
		"```sql\n" + query + "\n```\n" +
		"Error message:\n" + strings.TrimSpace(diagnostic)
}
