// Package portal implements the HTTP client to the in-guest portal: the
// service that actually executes code and commands once a microVM is
// booted. It handles readiness polling and per-call timeout/cancellation.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/radiumce/microsandbox/internal/errs"
)

// ExecResult is the normalized result of run_code/run_command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode *int   `json:"exit_code,omitempty"`
	HasError bool   `json:"has_error"`
	Success  bool   `json:"success"`
}

// Client talks to one sandbox's portal over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the portal reachable at host:port.
func New(host string, port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		http:    &http.Client{},
	}
}

// WaitReady polls /health with exponential backoff (initial 50ms, factor 2,
// cap 2s) until it succeeds or deadline elapses, per spec §4.6.
func (c *Client) WaitReady(ctx context.Context, deadline time.Time) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 2 * time.Second

	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err // retryable
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return struct{}{}, fmt.Errorf("health returned %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(time.Until(deadline)))
	if err != nil {
		return errs.SandboxStartTimeout("", "")
	}
	return nil
}

// RunCodeRequest mirrors the repl.run wire shape.
type RunCodeRequest struct {
	Language string        `json:"language"`
	Code     string        `json:"code"`
	Timeout  time.Duration `json:"-"`
}

// RunCode forwards code execution to the portal's repl.run endpoint. No
// retry is attempted: repl.run is not idempotent, per spec §4.6.
func (c *Client) RunCode(ctx context.Context, req RunCodeRequest) (ExecResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, callBudget(req.Timeout))
	defer cancel()

	body := map[string]any{
		"language":        req.Language,
		"code":            req.Code,
		"idempotency_key": uuid.NewString(),
	}
	return c.post(callCtx, "/repl.run", body)
}

// CommandRequest mirrors the command.run wire shape.
type CommandRequest struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// RunCommand forwards command execution to the portal's command.run
// endpoint. Like RunCode, this is a single-attempt, non-retried call.
func (c *Client) RunCommand(ctx context.Context, req CommandRequest) (ExecResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, callBudget(req.Timeout))
	defer cancel()

	body := map[string]any{
		"command":         req.Command,
		"args":            req.Args,
		"idempotency_key": uuid.NewString(),
	}
	return c.post(callCtx, "/command.run", body)
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) (ExecResult, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return ExecResult{}, errs.InternalError(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return ExecResult{}, errs.InternalError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ExecResult{}, errs.ExecutionTimeout()
		}
		return ExecResult{}, errs.PortalUnreachable(err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ExecResult{}, errs.InternalError(err)
	}

	var result ExecResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ExecResult{}, errs.InternalError(err)
	}
	return result, nil
}

// callBudget derives the client-side wall-clock timeout from the RPC's
// requested timeout plus a small server-side margin, per spec §4.6. A
// zero/negative requested timeout falls back to a conservative default.
func callBudget(requested time.Duration) time.Duration {
	const margin = 2 * time.Second
	if requested <= 0 {
		return 120*time.Second + margin
	}
	return requested + margin
}
