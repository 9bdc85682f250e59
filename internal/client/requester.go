// Package client is the typed HTTP client for the jobmon server. The
// requester layer owns retries; the API layer owns the route contracts; the
// factory layer binds client-side workflow definitions and creates runs.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/jobmon-org/jobmon/internal/cmn/backoff"
	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/core"
)

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Type       string
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Type, e.StatusCode, e.Message)
}

// Unwrap maps envelope types back to the shared sentinels so callers can use
// errors.Is across the wire boundary.
func (e *APIError) Unwrap() error {
	switch e.Type {
	case "NotFoundError":
		return core.ErrNotFound
	case "NoActiveDistributorError":
		return core.ErrNoActiveDistributor
	}
	return nil
}

// retryableError wraps failures the requester may retry: connection errors,
// 5xx responses, and the 423 deadlock signal.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Requester sends JSON requests with retry against the jobmon server.
type Requester struct {
	client *resty.Client
	cfg    config.HTTP
}

// NewRequester builds a requester from the HTTP section of the config.
func NewRequester(cfg config.HTTP) *Requester {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.ServiceURL, "/")).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Requester{client: client, cfg: cfg}
}

// SetLogContext attaches structured fields to every request so server log
// lines can be joined with this client's.
func (rq *Requester) SetLogContext(fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return
	}
	rq.client.SetHeader("X-Server-Structlog-Context", string(raw))
}

// Send issues one request and decodes the response into out (ignored when
// nil). Connection errors, 5xx and 423 are retried with jittered exponential
// backoff until retries_timeout is spent, then ErrRetryBudgetExceeded.
func (rq *Requester) Send(ctx context.Context, method, path string, body, out any) error {
	policy := backoff.WithJitter(&backoff.ExponentialBackoffPolicy{
		InitialInterval: rq.cfg.RetryInitialInterval,
		BackoffFactor:   2.0,
		MaxInterval:     rq.cfg.RetryMaxInterval,
		MaxElapsedTime:  rq.cfg.RetriesTimeout,
	}, backoff.FullJitter)

	op := func(ctx context.Context) error {
		req := rq.client.R().SetContext(ctx)
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return &retryableError{err: fmt.Errorf("request %s %s failed: %w", method, path, err)}
		}
		if resp.IsSuccess() {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
			}
			return nil
		}

		apiErr := decodeAPIError(resp)
		if resp.StatusCode() == http.StatusLocked || resp.StatusCode() >= http.StatusInternalServerError {
			logger.Debug(ctx, "Retrying request",
				"method", method, "path", path, "status_code", resp.StatusCode())
			return &retryableError{err: apiErr}
		}
		return apiErr
	}

	err := backoff.Retry(ctx, op, policy, func(err error) bool {
		var re *retryableError
		return errors.As(err, &re)
	})
	if err == nil {
		return nil
	}
	var re *retryableError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %s %s: %w", core.ErrRetryBudgetExceeded, method, path, re.err)
	}
	return err
}

func (rq *Requester) get(ctx context.Context, path string, out any) error {
	return rq.Send(ctx, http.MethodGet, path, nil, out)
}

func (rq *Requester) post(ctx context.Context, path string, body, out any) error {
	return rq.Send(ctx, http.MethodPost, path, body, out)
}

func (rq *Requester) put(ctx context.Context, path string, body, out any) error {
	return rq.Send(ctx, http.MethodPut, path, body, out)
}

func decodeAPIError(resp *resty.Response) *APIError {
	apiErr := &APIError{
		Type:       "ServerError",
		Message:    http.StatusText(resp.StatusCode()),
		StatusCode: resp.StatusCode(),
	}
	var envelope core.ErrorEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err == nil && envelope.Error.Type != "" {
		apiErr.Type = envelope.Error.Type
		apiErr.Message = envelope.Error.ExceptionMessage
	}
	return apiErr
}
