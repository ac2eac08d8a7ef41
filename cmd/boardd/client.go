package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bborn/boardhooks/internal/executor"
	"github.com/bborn/boardhooks/internal/server"
)

// client talks to a running daemon.
type client struct {
	base string
	http *http.Client
}

func newClient(addr string) *client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		if strings.HasPrefix(base, ":") {
			base = "localhost" + base
		}
		base = "http://" + base
	}
	return &client{base: base, http: &http.Client{Timeout: 60 * time.Second}}
}

// apiError is an error response from the daemon.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func taskPath(id int64, suffix string) string {
	return fmt.Sprintf("/tasks/%d%s", id, suffix)
}

func (c *client) Task(ctx context.Context, id int64) (*server.TaskResponse, error) {
	var t server.TaskResponse
	if err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *client) Status(ctx context.Context, id int64) (*executor.Status, error) {
	var s executor.Status
	if err := c.do(ctx, http.MethodGet, taskPath(id, "/status"), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *client) Executions(ctx context.Context, id int64) ([]server.ExecutionResponse, error) {
	var execs []server.ExecutionResponse
	if err := c.do(ctx, http.MethodGet, taskPath(id, "/executions"), nil, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}

func (c *client) Move(ctx context.Context, id int64, req server.MoveRequest) error {
	return c.do(ctx, http.MethodPost, taskPath(id, "/move"), req, nil)
}

func (c *client) Stop(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, taskPath(id, "/stop"), nil, nil)
}

func (c *client) Send(ctx context.Context, id int64, text string) error {
	return c.do(ctx, http.MethodPost, taskPath(id, "/input"), server.InputRequest{Text: text}, nil)
}

func (c *client) Enqueue(ctx context.Context, id int64, req server.EnqueueRequest) error {
	return c.do(ctx, http.MethodPost, taskPath(id, "/enqueue"), req, nil)
}
