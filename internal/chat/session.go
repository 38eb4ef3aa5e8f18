package chat

import (
	"time"

	"github.com/duckmesh/duckchat/internal/nl2sql"
)

// Session owns one conversation: transcript, history and the pending result.
// It is not safe for concurrent use; Registry serialises access.
type Session struct {
	ID        string
	CreatedAt time.Time

	log     *Log
	history History
	pending string
	exports int
}

func NewSession(id string, now time.Time) *Session {
	return &Session{ID: id, CreatedAt: now, log: NewLog()}
}

func (s *Session) Turns() []Turn {
	return s.log.Turns()
}

func (s *Session) Len() int {
	return s.log.Len()
}

func (s *Session) TurnsSince(index int) []Turn {
	return s.log.Since(index)
}

func (s *Session) LastData() (Turn, bool) {
	return s.log.LastData()
}

func (s *Session) History() []nl2sql.Exchange {
	return s.history.Exchanges()
}

// Pending returns the most recent generated statement awaiting a re-run.
func (s *Session) Pending() string {
	return s.pending
}

// NextExportSequence numbers exports within the session.
func (s *Session) NextExportSequence() int {
	seq := s.exports
	s.exports++
	return seq
}

func (s *Session) append(turn Turn, render RenderFunc) {
	s.log.Append(turn)
	if render != nil {
		render(turn)
	}
}

func (s *Session) reset() {
	s.log.Reset()
	s.history.Clear()
	s.pending = ""
}
