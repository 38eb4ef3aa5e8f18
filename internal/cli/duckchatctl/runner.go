package duckchatctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Options struct {
	BaseURL      string
	TriggerToken string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Stdin        io.Reader
	Stdout       io.Writer
	Stderr       io.Writer
}

var errUsage = errors.New("usage")

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	stdin := defaults.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}

	fs := flag.NewFlagSet("duckchatctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "duckchat API base URL")
	trigger := fs.String("trigger", firstNonEmpty(defaults.TriggerToken, "$RUN"), "prefix that marks literal SQL input")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 90s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	httpClient := defaults.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: *timeout}
	}
	c := &client{baseURL: *baseURL, http: httpClient}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	var err error
	switch command {
	case "health":
		err = printRaw(ctx, c, stdout, http.MethodGet, "/v1/health")
	case "ready":
		err = printRaw(ctx, c, stdout, http.MethodGet, "/v1/ready")
	case "new":
		err = runNew(ctx, c, stdout)
	case "show":
		err = withSession(rest, func(id string, _ string) error { return runShow(ctx, c, stdout, id) })
	case "ask":
		err = withSessionText(rest, func(id, text string) error { return runSubmit(ctx, c, stdout, id, text) })
	case "run":
		err = withSessionText(rest, func(id, text string) error { return runSubmit(ctx, c, stdout, id, *trigger+text) })
	case "rerun":
		err = withSession(rest, func(id string, _ string) error { return runRerun(ctx, c, stdout, id) })
	case "reset":
		err = withSession(rest, func(id string, _ string) error { return runReset(ctx, c, stdout, id) })
	case "export":
		err = withSession(rest, func(id string, _ string) error { return runExport(ctx, c, stdout, id) })
	case "delete":
		err = withSession(rest, func(id string, _ string) error { return c.deleteSession(ctx, id) })
	case "chat":
		id := ""
		if len(rest) > 0 {
			id = rest[0]
		}
		err = runChat(ctx, c, stdin, stdout, id)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}

	if errors.Is(err, errUsage) {
		writeUsage(stderr)
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s failed: %v\n", command, err)
		return 1
	}
	return 0
}

func withSession(args []string, fn func(id, text string) error) error {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return errUsage
	}
	return fn(args[0], "")
}

func withSessionText(args []string, fn func(id, text string) error) error {
	if len(args) < 2 {
		return errUsage
	}
	return fn(args[0], strings.Join(args[1:], " "))
}

func printRaw(ctx context.Context, c *client, stdout io.Writer, method, path string) error {
	body, err := c.raw(ctx, method, path)
	if err != nil {
		return err
	}
	if pretty, ok := prettyJSON(body); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return nil
	}
	if len(body) > 0 {
		_, _ = fmt.Fprintln(stdout, string(body))
	}
	return nil
}

func runNew(ctx context.Context, c *client, stdout io.Writer) error {
	s, err := c.createSession(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, s.SessionID)
	return nil
}

func runShow(ctx context.Context, c *client, stdout io.Writer, id string) error {
	s, err := c.getSession(ctx, id)
	if err != nil {
		return err
	}
	renderTurns(stdout, s.Turns)
	return nil
}

func runSubmit(ctx context.Context, c *client, stdout io.Writer, id, input string) error {
	result, err := c.submit(ctx, id, input)
	if err != nil {
		return err
	}
	renderTurns(stdout, assistantSide(result.Turns))
	return nil
}

func runRerun(ctx context.Context, c *client, stdout io.Writer, id string) error {
	result, err := c.rerun(ctx, id)
	if err != nil {
		return err
	}
	renderTurns(stdout, result.Turns)
	return nil
}

func runReset(ctx context.Context, c *client, stdout io.Writer, id string) error {
	s, err := c.reset(ctx, id)
	if err != nil {
		return err
	}
	renderTurns(stdout, s.Turns)
	return nil
}

func runExport(ctx context.Context, c *client, stdout io.Writer, id string) error {
	out, err := c.export(ctx, id)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "exported %d rows to %s (%d bytes)\n", out.RowCount, out.Key, out.SizeBytes)
	if out.URL != "" {
		_, _ = fmt.Fprintf(stdout, "download: %s\n", out.URL)
	}
	return nil
}

// runChat reads one input per line until EOF or /quit. Slash commands map to
// the session actions; everything else is submitted as a message.
func runChat(ctx context.Context, c *client, stdin io.Reader, stdout io.Writer, id string) error {
	if id == "" {
		s, err := c.createSession(ctx)
		if err != nil {
			return err
		}
		id = s.SessionID
		_, _ = fmt.Fprintf(stdout, "session %s\n", id)
		renderTurns(stdout, s.Turns)
	}

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		_, _ = fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			_, _ = fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		switch line {
		case "/quit", "/exit":
			return nil
		case "/rerun":
			err = runRerun(ctx, c, stdout, id)
		case "/reset":
			err = runReset(ctx, c, stdout, id)
		case "/export":
			err = runExport(ctx, c, stdout, id)
		default:
			err = runSubmit(ctx, c, stdout, id, line)
		}
		if err != nil {
			var apiErr *apiError
			if !errors.As(err, &apiErr) {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "error: %s\n", apiErr.Message)
		}
	}
}

// assistantSide drops the echoed user turn; the caller already typed it.
func assistantSide(turns []turn) []turn {
	out := make([]turn, 0, len(turns))
	for _, t := range turns {
		if t.Role != "user" {
			out = append(out, t)
		}
	}
	return out
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: duckchatctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                 GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                  GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  new                    create a session and print its id")
	_, _ = fmt.Fprintln(w, "  show <id>              print the session transcript")
	_, _ = fmt.Fprintln(w, "  ask <id> <question>    ask a question in natural language")
	_, _ = fmt.Fprintln(w, "  run <id> <sql>         execute SQL directly")
	_, _ = fmt.Fprintln(w, "  rerun <id>             execute the last generated query")
	_, _ = fmt.Fprintln(w, "  reset <id>             clear the conversation")
	_, _ = fmt.Fprintln(w, "  export <id>            export the latest result as parquet")
	_, _ = fmt.Fprintln(w, "  delete <id>            end the session")
	_, _ = fmt.Fprintln(w, "  chat [id]              interactive chat (/rerun, /reset, /export, /quit)")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
