package duckchatctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type turn struct {
	Role       string   `json:"role"`
	Text       string   `json:"text"`
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	DurationMs int64    `json:"duration_ms"`
}

type session struct {
	SessionID string `json:"session_id"`
	Pending   string `json:"pending"`
	Turns     []turn `json:"turns"`
}

type turnResult struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Outcome   string `json:"outcome"`
	Attempts  int    `json:"attempts"`
	Turns     []turn `json:"turns"`
}

type exportResult struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"size_bytes"`
	RowCount  int64  `json:"row_count"`
	URL       string `json:"url"`
}

type apiError struct {
	Status  int
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
}

type client struct {
	baseURL string
	http    *http.Client
}

func (c *client) createSession(ctx context.Context) (session, error) {
	var out session
	err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, &out)
	return out, err
}

func (c *client) getSession(ctx context.Context, id string) (session, error) {
	var out session
	err := c.do(ctx, http.MethodGet, sessionPath(id, ""), nil, &out)
	return out, err
}

func (c *client) deleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(id, ""), nil, nil)
}

func (c *client) submit(ctx context.Context, id, input string) (turnResult, error) {
	var out turnResult
	err := c.do(ctx, http.MethodPost, sessionPath(id, "/messages"), map[string]string{"input": input}, &out)
	return out, err
}

func (c *client) rerun(ctx context.Context, id string) (turnResult, error) {
	var out turnResult
	err := c.do(ctx, http.MethodPost, sessionPath(id, "/rerun"), nil, &out)
	return out, err
}

func (c *client) reset(ctx context.Context, id string) (session, error) {
	var out session
	err := c.do(ctx, http.MethodPost, sessionPath(id, "/reset"), nil, &out)
	return out, err
}

func (c *client) export(ctx context.Context, id string) (exportResult, error) {
	var out exportResult
	err := c.do(ctx, http.MethodPost, sessionPath(id, "/export"), nil, &out)
	return out, err
}

func (c *client) raw(ctx context.Context, method, path string) ([]byte, error) {
	status, body, err := c.send(ctx, method, path, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, decodeAPIError(status, body)
	}
	return body, nil
}

func (c *client) do(ctx context.Context, method, path string, payload, out any) error {
	status, body, err := c.send(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if status >= 400 {
		return decodeAPIError(status, body)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *client) send(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &apiError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func sessionPath(id, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(id) + suffix
}
