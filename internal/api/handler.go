package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duckmesh/duckchat/internal/chat"
	"github.com/duckmesh/duckchat/internal/config"
	"github.com/duckmesh/duckchat/internal/export"
	"github.com/duckmesh/duckchat/internal/observability"
	"github.com/duckmesh/duckchat/internal/warehouse"
)

type ReadinessCheck func(ctx context.Context) error

type SessionStore interface {
	Create() (string, error)
	With(id string, fn func(*chat.Session) error) error
	Delete(id string) error
}

type Conversation interface {
	Submit(ctx context.Context, s *chat.Session, input string, render chat.RenderFunc) (chat.Report, error)
	Rerun(ctx context.Context, s *chat.Session, render chat.RenderFunc) (chat.Report, error)
	Reset(s *chat.Session)
}

type ResultExporter interface {
	Export(ctx context.Context, sessionID string, sequence int, result warehouse.Result) (export.Result, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	DependencyTimeout time.Duration
	Sessions          SessionStore
	Engine            Conversation
	Exporter          ResultExporter
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		handleCreateSession(deps, w, r)
	})
	mux.HandleFunc("GET /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetSession(deps, w, r)
	})
	mux.HandleFunc("DELETE /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteSession(deps, w, r)
	})
	mux.HandleFunc("POST /v1/sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		handleSubmitMessage(deps, w, r)
	})
	mux.HandleFunc("POST /v1/sessions/{id}/rerun", func(w http.ResponseWriter, r *http.Request) {
		handleRerun(deps, w, r)
	})
	mux.HandleFunc("POST /v1/sessions/{id}/reset", func(w http.ResponseWriter, r *http.Request) {
		handleReset(deps, w, r)
	})
	mux.HandleFunc("POST /v1/sessions/{id}/export", func(w http.ResponseWriter, r *http.Request) {
		handleExport(deps, w, r)
	})

	return chain(mux,
		observability.TraceMiddleware,
		observability.RequestMiddleware(deps.Logger),
	)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

func CheckWarehouse(pinger Pinger) ReadinessCheck {
	return func(ctx context.Context) error {
		if pinger == nil {
			return errors.New("warehouse is not configured")
		}
		return pinger.Ping(ctx)
	}
}

// CheckObjectStore probes the bucket. It returns nil when no store is
// configured so CombineReadinessChecks drops it.
func CheckObjectStore(store Pinger) ReadinessCheck {
	if store == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return store.Ping(ctx)
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
