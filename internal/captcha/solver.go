// CLAUDE:SUMMARY External solving service client — submit/poll over HTTP behind a circuit breaker, no-capacity and malformed output abort hard.
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hazyhaar/relais/internal/dispatch"
	"github.com/hazyhaar/relais/internal/safeurl"
)

// ErrNoCapacity means the solving service cannot take the challenge.
var ErrNoCapacity = errors.New("captcha: solver reports no capacity")

// ErrMalformed means the solving service returned output the client
// cannot use.
var ErrMalformed = errors.New("captcha: solver returned malformed output")

// ErrRejected means the solving service definitively refused the
// challenge.
var ErrRejected = errors.New("captcha: solver rejected the challenge")

// Solver is the last rung: delegate to a paid external solving service.
// It is applicable unconditionally. No-capacity and malformed responses
// are hard failures; there is nothing further down the ladder to try,
// and retrying a provider that just refused costs money.
type Solver struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	cb           *breaker
	pollInterval time.Duration
	maxWait      time.Duration
	logger       *slog.Logger
}

// SolverOption configures the solver client.
type SolverOption func(*Solver)

// WithSolverClient replaces the HTTP client.
func WithSolverClient(c *http.Client) SolverOption {
	return func(s *Solver) { s.client = c }
}

// WithSolverPollInterval sets the wait between result polls.
func WithSolverPollInterval(d time.Duration) SolverOption {
	return func(s *Solver) { s.pollInterval = d }
}

// WithSolverMaxWait bounds the total time spent polling one challenge.
func WithSolverMaxWait(d time.Duration) SolverOption {
	return func(s *Solver) { s.maxWait = d }
}

// WithSolverLogger sets the logger.
func WithSolverLogger(l *slog.Logger) SolverOption {
	return func(s *Solver) { s.logger = l }
}

// NewSolver builds the rung. Defaults: 5s poll interval, 2m max wait,
// breaker opens after 5 failures and stays open for 30s.
func NewSolver(baseURL, apiKey string, opts ...SolverOption) *Solver {
	s := &Solver{
		baseURL:      baseURL,
		apiKey:       apiKey,
		client:       &http.Client{Timeout: 30 * time.Second},
		cb:           newBreaker(5, 30*time.Second, nil),
		pollInterval: 5 * time.Second,
		maxWait:      2 * time.Minute,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Solver) Name() string  { return "captcha-solver" }
func (s *Solver) CostTier() int { return 2 }

// Applicable is unconditional; the solver is the last resort.
func (s *Solver) Applicable(_ *dispatch.Request, _ *dispatch.Env) bool { return true }

func (s *Solver) Invoke(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	if !s.cb.allow() {
		return nil, dispatch.Hard(s.Name(), fmt.Errorf("%w: circuit open", ErrNoCapacity))
	}

	taskID, err := s.submit(ctx, req)
	if err != nil {
		return nil, s.classify(err)
	}

	token, err := s.poll(ctx, taskID)
	if err != nil {
		return nil, s.classify(err)
	}

	s.cb.recordSuccess()
	return solution(s.Name(), token, fmt.Sprintf("solved externally, task %s", taskID))
}

// classify turns a solver error into its chain disposition. Definitive
// provider answers abort hard; transport trouble stays soft.
func (s *Solver) classify(err error) error {
	s.cb.recordFailure()
	if errors.Is(err, ErrNoCapacity) || errors.Is(err, ErrMalformed) || errors.Is(err, ErrRejected) {
		return dispatch.Hard(s.Name(), err)
	}
	return dispatch.Soft(s.Name(), err)
}

type submitResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type resultResponse struct {
	Status string `json:"status"` // pending | ready | error
	Token  string `json:"token"`
	Error  string `json:"error"`
}

func (s *Solver) submit(ctx context.Context, req *dispatch.Request) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"key":  s.apiKey,
		"site": req.Params[ParamSite],
		"url":  req.Params[ParamURL],
		"type": req.Params[ParamType],
	})
	if err != nil {
		return "", fmt.Errorf("captcha: marshal submit: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/submit", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("captcha: new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("captcha: solver submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return "", fmt.Errorf("%w: http 503", ErrNoCapacity)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return "", fmt.Errorf("captcha: solver submit http %d", resp.StatusCode)
	}

	body, err := safeurl.LimitedReadAll(resp.Body, safeurl.MaxBody)
	if err != nil {
		return "", fmt.Errorf("captcha: read submit response: %w", err)
	}
	var sr submitResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if sr.Error == "no-capacity" {
		return "", ErrNoCapacity
	}
	if sr.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrRejected, sr.Error)
	}
	if sr.ID == "" {
		return "", fmt.Errorf("%w: submit response has no task id", ErrMalformed)
	}
	return sr.ID, nil
}

func (s *Solver) poll(ctx context.Context, taskID string) (string, error) {
	deadline := time.Now().Add(s.maxWait)

	for {
		token, done, err := s.fetchResult(ctx, taskID)
		if err != nil {
			return "", err
		}
		if done {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("captcha: solver still pending after %s", s.maxWait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *Solver) fetchResult(ctx context.Context, taskID string) (string, bool, error) {
	target := fmt.Sprintf("%s/result?id=%s&key=%s", s.baseURL, url.QueryEscape(taskID), url.QueryEscape(s.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", false, fmt.Errorf("captcha: new request: %w", err)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", false, fmt.Errorf("captcha: solver poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return "", false, fmt.Errorf("captcha: solver poll http %d", resp.StatusCode)
	}

	body, err := safeurl.LimitedReadAll(resp.Body, safeurl.MaxBody)
	if err != nil {
		return "", false, fmt.Errorf("captcha: read poll response: %w", err)
	}
	var rr resultResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch rr.Status {
	case "pending":
		return "", false, nil
	case "ready":
		if rr.Token == "" {
			return "", false, fmt.Errorf("%w: ready result has no token", ErrMalformed)
		}
		return rr.Token, true, nil
	case "error":
		if rr.Error == "no-capacity" {
			return "", false, ErrNoCapacity
		}
		return "", false, fmt.Errorf("%w: %s", ErrRejected, rr.Error)
	default:
		return "", false, fmt.Errorf("%w: unknown status %q", ErrMalformed, rr.Status)
	}
}
