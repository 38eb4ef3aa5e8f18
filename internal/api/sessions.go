package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/duckmesh/duckchat/internal/chat"
	"github.com/duckmesh/duckchat/internal/observability"
	"github.com/duckmesh/duckchat/internal/warehouse"
)

var errNothingToExport = errors.New("session has no tabular result to export")

type turnView struct {
	Role       string   `json:"role"`
	Text       string   `json:"text,omitempty"`
	Columns    []string `json:"columns,omitempty"`
	Rows       [][]any  `json:"rows,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
}

type sessionResponse struct {
	SessionID string     `json:"session_id"`
	CreatedAt time.Time  `json:"created_at"`
	Pending   string     `json:"pending,omitempty"`
	Turns     []turnView `json:"turns"`
}

type messageRequest struct {
	Input string `json:"input"`
}

type turnResponse struct {
	SessionID string     `json:"session_id"`
	Path      string     `json:"path"`
	Outcome   string     `json:"outcome"`
	Statement string     `json:"statement,omitempty"`
	Attempts  int        `json:"attempts"`
	Turns     []turnView `json:"turns"`
}

type exportResponse struct {
	SessionID string   `json:"session_id"`
	Key       string   `json:"key"`
	SizeBytes int64    `json:"size_bytes"`
	RowCount  int64    `json:"row_count"`
	Columns   []string `json:"columns"`
	URL       string   `json:"url,omitempty"`
}

func handleCreateSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeNotConfigured(w, r)
		return
	}
	id, err := deps.Sessions.Create()
	if err != nil {
		writeSessionError(deps, w, r, err)
		return
	}
	var response sessionResponse
	err = deps.Sessions.With(id, func(s *chat.Session) error {
		response = newSessionResponse(s)
		return nil
	})
	if err != nil {
		writeSessionError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, response)
}

func handleGetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeNotConfigured(w, r)
		return
	}
	var response sessionResponse
	err := deps.Sessions.With(r.PathValue("id"), func(s *chat.Session) error {
		response = newSessionResponse(s)
		return nil
	})
	if err != nil {
		writeSessionError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func handleDeleteSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeNotConfigured(w, r)
		return
	}
	if err := deps.Sessions.Delete(r.PathValue("id")); err != nil {
		writeSessionError(deps, w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleSubmitMessage(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil || deps.Engine == nil {
		writeNotConfigured(w, r)
		return
	}

	var request messageRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid message request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Input) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INPUT_REQUIRED", "input is required", false, nil)
		return
	}

	id := r.PathValue("id")
	var report chat.Report
	var turns []turnView
	err := deps.Sessions.With(id, func(s *chat.Session) error {
		var err error
		report, err = deps.Engine.Submit(r.Context(), s, request.Input, collectTurns(&turns))
		return err
	})
	if err != nil {
		writeSessionError(deps, w, r, err)
		return
	}
	logTurn(deps, r, id, report)
	writeJSON(w, http.StatusOK, newTurnResponse(id, report, turns))
}

func handleRerun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil || deps.Engine == nil {
		writeNotConfigured(w, r)
		return
	}

	id := r.PathValue("id")
	var report chat.Report
	var turns []turnView
	err := deps.Sessions.With(id, func(s *chat.Session) error {
		var err error
		report, err = deps.Engine.Rerun(r.Context(), s, collectTurns(&turns))
		return err
	})
	if err != nil {
		writeSessionError(deps, w, r, err)
		return
	}
	logTurn(deps, r, id, report)
	writeJSON(w, http.StatusOK, newTurnResponse(id, report, turns))
}

func handleReset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil || deps.Engine == nil {
		writeNotConfigured(w, r)
		return
	}
	var response sessionResponse
	err := deps.Sessions.With(r.PathValue("id"), func(s *chat.Session) error {
		deps.Engine.Reset(s)
		response = newSessionResponse(s)
		return nil
	})
	if err != nil {
		writeSessionError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func handleExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil || deps.Exporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "result export requires an object store", false, nil)
		return
	}

	id := r.PathValue("id")
	var response exportResponse
	err := deps.Sessions.With(id, func(s *chat.Session) error {
		data, ok := s.LastData()
		if !ok {
			return errNothingToExport
		}
		out, err := deps.Exporter.Export(r.Context(), s.ID, s.NextExportSequence(), data.Table)
		if err != nil {
			return err
		}
		response = exportResponse{
			SessionID: s.ID,
			Key:       out.Key,
			SizeBytes: out.Size,
			RowCount:  out.RowCount,
			Columns:   out.Columns,
			URL:       out.URL,
		}
		return nil
	})
	if err != nil {
		writeSessionError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, response)
}

func collectTurns(dst *[]turnView) chat.RenderFunc {
	return func(turn chat.Turn) {
		*dst = append(*dst, newTurnView(turn))
	}
}

func newTurnView(turn chat.Turn) turnView {
	view := turnView{Role: string(turn.Role), Text: turn.Text}
	if turn.IsTabular() {
		view.Columns = turn.Table.Columns
		view.Rows = turn.Table.Rows
		view.DurationMs = turn.Table.Duration.Milliseconds()
	}
	return view
}

func newSessionResponse(s *chat.Session) sessionResponse {
	turns := s.Turns()
	views := make([]turnView, 0, len(turns))
	for _, turn := range turns {
		views = append(views, newTurnView(turn))
	}
	return sessionResponse{
		SessionID: s.ID,
		CreatedAt: s.CreatedAt.UTC(),
		Pending:   s.Pending(),
		Turns:     views,
	}
}

func newTurnResponse(id string, report chat.Report, turns []turnView) turnResponse {
	if turns == nil {
		turns = []turnView{}
	}
	return turnResponse{
		SessionID: id,
		Path:      string(report.Path),
		Outcome:   string(report.Outcome),
		Statement: report.Statement,
		Attempts:  report.Attempts,
		Turns:     turns,
	}
}

func logTurn(deps Dependencies, r *http.Request, id string, report chat.Report) {
	if deps.Logger == nil {
		return
	}
	observability.SessionLogger(r.Context(), deps.Logger, id).InfoContext(r.Context(), "turn processed",
		slog.String("path", string(report.Path)),
		slog.String("outcome", string(report.Outcome)),
		slog.Int("attempts", report.Attempts),
	)
}

func writeNotConfigured(w http.ResponseWriter, r *http.Request) {
	writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat dependencies are not configured", false, nil)
}

func writeSessionError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var genErr *chat.GenerationError
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		writeError(ctx, w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found", false, map[string]any{"session_id": r.PathValue("id")})
	case errors.Is(err, chat.ErrTooManySessions):
		writeError(ctx, w, http.StatusTooManyRequests, "TOO_MANY_SESSIONS", err.Error(), true, nil)
	case errors.Is(err, chat.ErrNoPendingResult):
		writeError(ctx, w, http.StatusConflict, "NO_PENDING_RESULT", "there is no generated query to run", false, nil)
	case errors.Is(err, errNothingToExport):
		writeError(ctx, w, http.StatusConflict, "NO_RESULT", err.Error(), false, nil)
	case errors.As(err, &genErr):
		writeError(ctx, w, http.StatusBadGateway, "GENERATION_FAILED", "the language model request failed", true, map[string]any{"details": genErr.Err.Error()})
	case errors.Is(err, warehouse.ErrUnavailable):
		writeError(ctx, w, http.StatusServiceUnavailable, "WAREHOUSE_UNAVAILABLE", "the warehouse is unavailable", true, map[string]any{"details": err.Error()})
	default:
		if deps.Logger != nil {
			observability.SessionLogger(ctx, deps.Logger, r.PathValue("id")).ErrorContext(ctx, "session request failed", slog.Any("error", err))
		}
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "request failed", true, nil)
	}
}
