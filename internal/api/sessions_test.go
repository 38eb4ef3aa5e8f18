package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/duckmesh/duckchat/internal/chat"
	"github.com/duckmesh/duckchat/internal/export"
	"github.com/duckmesh/duckchat/internal/nl2sql"
	"github.com/duckmesh/duckchat/internal/warehouse"
)

func TestSessionLifecycle(t *testing.T) {
	h, _ := newChatHandler(t, nl2sql.GeneratorFunc(func(context.Context, nl2sql.Request) (string, error) {
		return "```sql\nSELECT 1 AS one\n```", nil
	}))

	created := serve(h, http.MethodPost, "/v1/sessions", "")
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body=%s", created.Code, created.Body.String())
	}
	var session sessionResponse
	decodeInto(t, created, &session)
	if session.SessionID != "session-1" || len(session.Turns) != 2 {
		t.Fatalf("session = %#v", session)
	}

	asked := serve(h, http.MethodPost, "/v1/sessions/session-1/messages", `{"input":"what is one?"}`)
	if asked.Code != http.StatusOK {
		t.Fatalf("message status = %d, body=%s", asked.Code, asked.Body.String())
	}
	var answer turnResponse
	decodeInto(t, asked, &answer)
	if answer.Path != "question" || answer.Outcome != "answered" || answer.Statement != "SELECT 1 AS one" {
		t.Fatalf("answer = %#v", answer)
	}
	if len(answer.Turns) != 2 || answer.Turns[0].Role != "user" || answer.Turns[1].Role != "assistant" {
		t.Fatalf("answer turns = %#v", answer.Turns)
	}

	rerun := serve(h, http.MethodPost, "/v1/sessions/session-1/rerun", "")
	if rerun.Code != http.StatusOK {
		t.Fatalf("rerun status = %d, body=%s", rerun.Code, rerun.Body.String())
	}
	var executed turnResponse
	decodeInto(t, rerun, &executed)
	if executed.Outcome != "executed" || len(executed.Turns) != 1 || executed.Turns[0].Role != "data" {
		t.Fatalf("rerun = %#v", executed)
	}
	if len(executed.Turns[0].Columns) != 1 || executed.Turns[0].Columns[0] != "one" {
		t.Fatalf("rerun columns = %#v", executed.Turns[0].Columns)
	}

	got := serve(h, http.MethodGet, "/v1/sessions/session-1", "")
	var full sessionResponse
	decodeInto(t, got, &full)
	if len(full.Turns) != 5 || full.Pending == "" {
		t.Fatalf("session = %#v", full)
	}

	reset := serve(h, http.MethodPost, "/v1/sessions/session-1/reset", "")
	var cleared sessionResponse
	decodeInto(t, reset, &cleared)
	if len(cleared.Turns) != 2 || cleared.Pending != "" {
		t.Fatalf("reset session = %#v", cleared)
	}

	deleted := serve(h, http.MethodDelete, "/v1/sessions/session-1", "")
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", deleted.Code)
	}
	missing := serve(h, http.MethodGet, "/v1/sessions/session-1", "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", missing.Code)
	}
	if body := decodeBody(t, missing); body["error_code"] != "SESSION_NOT_FOUND" {
		t.Fatalf("body = %#v", body)
	}
}

func TestSubmitLiteralRefusal(t *testing.T) {
	h, executor := newChatHandler(t, nil)
	serve(h, http.MethodPost, "/v1/sessions", "")

	rr := serve(h, http.MethodPost, "/v1/sessions/session-1/messages", `{"input":"$RUN drop table orders"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var response turnResponse
	decodeInto(t, rr, &response)
	if response.Outcome != "refused" || response.Path != "literal" {
		t.Fatalf("response = %#v", response)
	}
	if response.Turns[1].Text != chat.MessageRefused {
		t.Fatalf("turns = %#v", response.Turns)
	}
	if executor.calls != 0 {
		t.Fatalf("executor calls = %d, want 0", executor.calls)
	}
}

func TestSubmitRejectsInvalidBodies(t *testing.T) {
	h, _ := newChatHandler(t, nil)
	serve(h, http.MethodPost, "/v1/sessions", "")

	for _, body := range []string{`{`, `{"input":"  "}`, `{"input":"x","extra":1}`} {
		rr := serve(h, http.MethodPost, "/v1/sessions/session-1/messages", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q status = %d", body, rr.Code)
		}
	}
}

func TestSubmitGenerationFailureIsBadGateway(t *testing.T) {
	h, _ := newChatHandler(t, nl2sql.GeneratorFunc(func(context.Context, nl2sql.Request) (string, error) {
		return "", errors.New("provider timeout")
	}))
	serve(h, http.MethodPost, "/v1/sessions", "")

	rr := serve(h, http.MethodPost, "/v1/sessions/session-1/messages", `{"input":"anything"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["error_code"] != "GENERATION_FAILED" || body["retryable"] != true {
		t.Fatalf("body = %#v", body)
	}
}

func TestRerunWithoutPendingIsConflict(t *testing.T) {
	h, _ := newChatHandler(t, nil)
	serve(h, http.MethodPost, "/v1/sessions", "")

	rr := serve(h, http.MethodPost, "/v1/sessions/session-1/rerun", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestExportLatestResult(t *testing.T) {
	h, _ := newChatHandler(t, nil)
	serve(h, http.MethodPost, "/v1/sessions", "")

	nothing := serve(h, http.MethodPost, "/v1/sessions/session-1/export", "")
	if nothing.Code != http.StatusConflict {
		t.Fatalf("export without data status = %d", nothing.Code)
	}

	serve(h, http.MethodPost, "/v1/sessions/session-1/messages", `{"input":"$RUNSELECT 1 AS one"}`)
	rr := serve(h, http.MethodPost, "/v1/sessions/session-1/export", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var response exportResponse
	decodeInto(t, rr, &response)
	if response.Key != "exports/session-1/00000.parquet" || response.RowCount != 1 || response.URL != "https://s3.test/exports/session-1" {
		t.Fatalf("response = %#v", response)
	}
}

func TestExportNotConfigured(t *testing.T) {
	h := NewHandler(loadTestConfig(t), Dependencies{Sessions: &chat.Registry{}})
	rr := serve(h, http.MethodPost, "/v1/sessions/x/export", "")
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCreateSessionLimit(t *testing.T) {
	registry := &chat.Registry{MaxSessions: 1}
	h := NewHandler(loadTestConfig(t), Dependencies{Sessions: registry})

	if rr := serve(h, http.MethodPost, "/v1/sessions", ""); rr.Code != http.StatusCreated {
		t.Fatalf("first create status = %d", rr.Code)
	}
	rr := serve(h, http.MethodPost, "/v1/sessions", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second create status = %d", rr.Code)
	}
}

func newChatHandler(t *testing.T, generator nl2sql.Generator) (http.Handler, *countingExecutor) {
	t.Helper()
	counter := 0
	registry := &chat.Registry{NewID: func() string {
		counter++
		return fmt.Sprintf("session-%d", counter)
	}}
	executor := &countingExecutor{}
	engine := &chat.Engine{
		Generator: generator,
		Executor:  executor,
		Config:    chat.Config{TriggerToken: "$RUN", MaxRetries: 2},
	}
	h := NewHandler(loadTestConfig(t), Dependencies{
		Sessions: registry,
		Engine:   engine,
		Exporter: fakeExporter{},
	})
	return h, executor
}

type countingExecutor struct {
	calls int
}

func (c *countingExecutor) Run(_ context.Context, sqlText string) (warehouse.Result, error) {
	c.calls++
	if strings.HasPrefix(sqlText, "SELECT 1") {
		return warehouse.Result{Columns: []string{"one"}, Rows: [][]any{{int64(1)}}}, nil
	}
	return warehouse.Result{}, warehouse.NewExecutionError(sqlText, errors.New("unsupported in test"))
}

type fakeExporter struct{}

func (fakeExporter) Export(_ context.Context, sessionID string, sequence int, result warehouse.Result) (export.Result, error) {
	return export.Result{
		Key:      fmt.Sprintf("exports/%s/%05d.parquet", sessionID, sequence),
		URL:      "https://s3.test/exports/" + sessionID,
		RowCount: int64(len(result.Rows)),
		Columns:  result.Columns,
	}, nil
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("json decode failed: %v, body=%s", err, rr.Body.String())
	}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	decodeInto(t, rr, &body)
	return body
}
