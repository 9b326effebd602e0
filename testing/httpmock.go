// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package apisync_testing provides HTTP mocking helpers shared by the
// engine's package-level tests.
package apisync_testing

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// MockResponse is one canned response a MockRoundTripper can serve.
type MockResponse struct {
	Status  int
	Body    string
	Headers map[string]string
}

// InterceptFunc lets a test observe or rewrite a request before it is
// matched, e.g. to assert an Authorization header was set by an
// authenticator before the response is looked up.
type InterceptFunc func(req *http.Request)

// MockRoundTripper serves canned responses keyed by normalized URL
// (scheme+host+path, query params sorted, trailing slash trimmed), so a
// test doesn't have to match a connector's exact param ordering.
type MockRoundTripper struct {
	mu        sync.Mutex
	responses map[string][]MockResponse // normalized URL -> queue of responses
	Intercept InterceptFunc
	Requests  []*http.Request
}

// NewMockRoundTripper builds an empty mock; use Set/Enqueue to register
// responses before use.
func NewMockRoundTripper() *MockRoundTripper {
	return &MockRoundTripper{responses: map[string][]MockResponse{}}
}

// Set registers the single response served for every request to rawURL.
func (m *MockRoundTripper) Set(rawURL string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[normalizeRawURL(rawURL)] = []MockResponse{resp}
}

// Enqueue appends resp to the queue served for rawURL; successive requests
// to the same URL pop one response at a time, the last one repeating once
// the queue is drained. Useful for paginated fixtures.
func (m *MockRoundTripper) Enqueue(rawURL string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalizeRawURL(rawURL)
	m.responses[key] = append(m.responses[key], resp)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if m.Intercept != nil {
		m.Intercept(req)
	}

	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	key := normalizeURL(req.URL)
	queue := m.responses[key]
	var resp MockResponse
	found := len(queue) > 0
	if found {
		resp = queue[0]
		if len(queue) > 1 {
			m.responses[key] = queue[1:]
		}
	}
	m.mu.Unlock()

	if !found {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(bytes.NewBufferString(`{"error":"mock not found","url":"` + key + `"}`)),
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Request:    req,
		}, nil
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	for k, v := range resp.Headers {
		header.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(resp.Body)),
		Header:     header,
		Request:    req,
	}, nil
}

func normalizeRawURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return normalizeURL(u)
}

// normalizeURL sorts query params and strips a trailing slash so a
// connector's own param ordering doesn't have to match a test's literally.
func normalizeURL(u *url.URL) string {
	base := u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/")
	params := u.Query()

	var sorted []string
	for k, vs := range params {
		for _, v := range vs {
			sorted = append(sorted, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	sort.Strings(sorted)

	if len(sorted) > 0 {
		return base + "?" + strings.Join(sorted, "&")
	}
	return base
}
