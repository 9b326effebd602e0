// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// HTTPClient is the minimal surface the executor and the session
// authenticator need from an HTTP client, the same shape the teacher's
// crawler.go requires so *http.Client satisfies it with no adapter.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

func buildRequest(ctx context.Context, method, rawURL string, headers map[string]string, body string) (*http.Request, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), rawURL, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

// defaultRetryStatuses is applied when a stream's HTTPConfig.RetryStatuses
// is empty (§4.3).
var defaultRetryStatuses = []int{429, 500, 502, 503, 504}

func retryableStatus(statuses []int, code int) bool {
	if len(statuses) == 0 {
		statuses = defaultRetryStatuses
	}
	for _, s := range statuses {
		if s == code {
			return true
		}
	}
	return false
}

// HTTPExecutor wraps an HTTPClient with per-connector rate limiting and a
// per-request retry/backoff policy (§4.3). One instance is shared across all
// streams of a connector so the rate limit is a connector-wide budget.
type HTTPExecutor struct {
	client  HTTPClient
	limiter *rate.Limiter
	cfg     HTTPConfig
	p       *profiler
}

// NewHTTPExecutor builds an executor. A zero RequestsPerSecond disables
// rate limiting (no limiter is built; a positive rate gets a token bucket
// with a burst of 1), matching "rate limiting is opt-in" from §4.3.
func NewHTTPExecutor(client HTTPClient, cfg HTTPConfig, p *profiler) *HTTPExecutor {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &HTTPExecutor{client: client, limiter: limiter, cfg: cfg, p: p}
}

// Execute runs one logical request to completion, including any retries
// (§4.3): connection/timeout failures and configured retry-status codes are
// retried with exponential backoff honoring a Retry-After response header;
// anything else returns immediately. build is invoked fresh on every attempt
// (including the first) and auth.PrepareRequest is re-applied to that fresh
// request every time, so a retry never replays a request an earlier
// authenticator call already mutated or consumed the body of. A 401 response
// is special-cased independent of cfg.RetryStatuses/MaxRetries: the cached
// credential is invalidated (via tokenInvalidator, when auth implements it)
// and the request is retried exactly once; a second consecutive 401 fails
// the call immediately regardless of remaining retry budget (§8).
func (e *HTTPExecutor) Execute(ctx context.Context, auth Authenticator, build func() (*http.Request, error), requestID string) (*http.Response, []byte, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, nil, newErr(KindCancelled, "http", err)
		}
	}

	bo := e.backoffPolicy()

	var resp *http.Response
	var body []byte
	attempt := 0
	reauthed := false

	operation := func() error {
		attempt++

		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := auth.PrepareRequest(ctx, req, requestID); err != nil {
			return backoff.Permanent(err)
		}

		startID := e.p.emit(EventRequestStart, req.URL.Path, requestID, map[string]any{"attempt": attempt, "method": req.Method})
		start := time.Now()

		r, err := e.client.Do(req)
		if err != nil {
			e.p.emitEnd(EventRequestEnd, req.URL.Path, startID, time.Since(start), map[string]any{"error": err.Error()})
			return newErr(KindHttpTransportError, "http", err)
		}

		b, readErr := readAll(r.Body)
		r.Body.Close()
		if readErr != nil {
			e.p.emitEnd(EventRequestEnd, req.URL.Path, startID, time.Since(start), map[string]any{"error": readErr.Error()})
			return newErr(KindHttpTransportError, "http", readErr)
		}

		e.p.emitEnd(EventRequestEnd, req.URL.Path, startID, time.Since(start), map[string]any{"status": r.StatusCode})

		if r.StatusCode == http.StatusUnauthorized {
			resp, body = r, b
			if reauthed {
				return backoff.Permanent(newErrf(KindAuthError, "http", "request returned status %d after credential refresh", r.StatusCode))
			}
			reauthed = true
			if inv, ok := auth.(tokenInvalidator); ok {
				inv.InvalidateToken()
			}
			return newErrf(KindAuthError, "http", "request returned status %d", r.StatusCode)
		}

		if r.StatusCode >= 400 {
			if retryableStatus(e.cfg.RetryStatuses, r.StatusCode) {
				if wait := retryAfterDuration(r.Header.Get("Retry-After")); wait > 0 {
					select {
					case <-time.After(wait):
					case <-ctx.Done():
						return backoff.Permanent(newErr(KindCancelled, "http", ctx.Err()))
					}
				}
				resp, body = r, b
				return newErrf(KindHttpStatusError, "http", "request returned status %d", r.StatusCode)
			}
			resp, body = r, b
			return backoff.Permanent(newErrf(KindHttpStatusError, "http", "request returned status %d", r.StatusCode))
		}

		resp, body = r, b
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if err != nil {
		if resp != nil {
			return resp, body, err
		}
		return nil, nil, err
	}
	return resp, body, nil
}

func (e *HTTPExecutor) backoffPolicy() backoff.BackOff {
	b := e.cfg.Backoff
	eb := backoff.NewExponentialBackOff()
	if b.InitialMS > 0 {
		eb.InitialInterval = time.Duration(b.InitialMS) * time.Millisecond
	}
	if b.Multiplier > 0 {
		eb.Multiplier = b.Multiplier
	}
	if b.MaxMS > 0 {
		eb.MaxInterval = time.Duration(b.MaxMS) * time.Millisecond
	}
	maxRetries := e.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return backoff.WithMaxRetries(eb, uint64(maxRetries))
}

// retryAfterDuration parses a Retry-After header, either delta-seconds or an
// HTTP-date (§4.3).
func retryAfterDuration(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
	}
	return 0
}

// ApplyQueryParams overlays params onto u's existing query string, used by
// the stream runner to merge connector/stream/pagination-contributed params
// (§4.8 precedence: pagination overrides stream overrides connector).
func ApplyQueryParams(rawURL string, params map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
