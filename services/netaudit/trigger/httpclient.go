// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	defaultAttempts     = 3
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 10 * time.Second
)

// HTTPClient is an AuditTrigger that posts to a remote audit API.
//
// # Description
//
// Requests are sent as JSON to <baseURL>/v1/audits. Transport errors, 429
// and 5xx responses are retried with exponential backoff; other non-2xx
// responses fail immediately.
type HTTPClient struct {
	baseURL  string
	client   *http.Client
	attempts uint
	delay    time.Duration
	maxDelay time.Duration
	logger   *slog.Logger
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) { h.client = c }
}

// WithRetry sets attempts and the initial and maximum delay.
func WithRetry(attempts uint, delay, maxDelay time.Duration) ClientOption {
	return func(h *HTTPClient) {
		h.attempts, h.delay, h.maxDelay = attempts, delay, maxDelay
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(h *HTTPClient) { h.logger = l }
}

// NewHTTPClient creates a client for the API at baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	h := &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		attempts: defaultAttempts,
		delay:    defaultInitialDelay,
		maxDelay: defaultMaxDelay,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("audit API returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Trigger implements AuditTrigger.
func (h *HTTPClient) Trigger(ctx context.Context, req Request) (Ack, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Ack{}, fmt.Errorf("encode audit request: %w", err)
	}

	attempt := 0
	ack, err := retry.DoWithData(func() (Ack, error) {
		attempt++
		ack, err := h.post(ctx, body)
		if err != nil {
			h.logger.Warn("audit trigger attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		}
		return ack, err
	},
		retry.Context(ctx),
		retry.Attempts(h.attempts),
		retry.Delay(h.delay),
		retry.MaxDelay(h.maxDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return Ack{}, fmt.Errorf("trigger audit at %s: %w", h.baseURL, err)
	}
	return ack, nil
}

func (h *HTTPClient) post(ctx context.Context, body []byte) (Ack, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/audits", bytes.NewReader(body))
	if err != nil {
		return Ack{}, retry.Unrecoverable(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Ack{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Ack{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if se.retryable() {
			return Ack{}, se
		}
		return Ack{}, retry.Unrecoverable(se)
	}

	var ack Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return Ack{}, retry.Unrecoverable(fmt.Errorf("decode audit ack: %w", err))
	}
	return ack, nil
}

var _ AuditTrigger = (*HTTPClient)(nil)
