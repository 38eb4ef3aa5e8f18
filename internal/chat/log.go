package chat

import "github.com/duckmesh/duckchat/internal/nl2sql"

const (
	seedQuestion = "Hi!"
	seedGreeting = "Hello! I am duckchat. Ask me a question about your data and I will write the SQL for it, " +
		"or start a message with the run token to execute a query directly."
)

// Log is the append-only transcript of a session. It is never empty.
type Log struct {
	turns []Turn
}

func NewLog() *Log {
	l := &Log{}
	l.Reset()
	return l
}

func SeedTurns() []Turn {
	return []Turn{userTurn(seedQuestion), assistantTurn(seedGreeting)}
}

func (l *Log) Append(turn Turn) {
	l.turns = append(l.turns, turn)
}

func (l *Log) Len() int {
	return len(l.turns)
}

// Turns returns a copy of the transcript.
func (l *Log) Turns() []Turn {
	return append([]Turn(nil), l.turns...)
}

func (l *Log) Since(index int) []Turn {
	if index < 0 {
		index = 0
	}
	if index >= len(l.turns) {
		return nil
	}
	return append([]Turn(nil), l.turns[index:]...)
}

// LastUserText returns the text of the most recent user turn.
func (l *Log) LastUserText() string {
	for i := len(l.turns) - 1; i >= 0; i-- {
		if l.turns[i].Role == RoleUser {
			return l.turns[i].Text
		}
	}
	return ""
}

// LastData returns the most recent data turn, if any.
func (l *Log) LastData() (Turn, bool) {
	for i := len(l.turns) - 1; i >= 0; i-- {
		if l.turns[i].Role == RoleData {
			return l.turns[i], true
		}
	}
	return Turn{}, false
}

func (l *Log) Reset() {
	l.turns = SeedTurns()
}

// History is the ordered list of completed question/answer exchanges.
type History struct {
	exchanges []nl2sql.Exchange
}

func (h *History) Add(question, answer string) {
	h.exchanges = append(h.exchanges, nl2sql.Exchange{Question: question, Answer: answer})
}

func (h *History) Len() int {
	return len(h.exchanges)
}

func (h *History) Exchanges() []nl2sql.Exchange {
	return append([]nl2sql.Exchange(nil), h.exchanges...)
}

func (h *History) Clear() {
	h.exchanges = nil
}
