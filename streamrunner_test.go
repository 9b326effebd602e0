// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apisync_testing "github.com/relaycore/apisync/testing"
)

// recordingSink collects every message emitted during a test, guarded by a
// mutex since the orchestrator's bufferingSink can be shared across goroutines.
type recordingSink struct {
	mu       sync.Mutex
	messages []Message
}

func (s *recordingSink) Emit(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *recordingSink) records() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.Type == MessageRecord {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSink) states() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.Type == MessageState {
			out = append(out, m)
		}
	}
	return out
}

func newTestRunner(t *testing.T, mock *apisync_testing.MockRoundTripper, connector *ConnectorDefinition, stream StreamDefinition, sink Sink) *StreamRunner {
	t.Helper()
	client := &http.Client{Transport: mock}
	executor := NewHTTPExecutor(client, connector.HTTP, &profiler{})
	auth := &noopAuthenticator{}
	states := NewStateStore(NewState(), nil)
	return NewStreamRunner(connector, stream, executor, auth, states, sink, noopLogger{}, &profiler{})
}

func TestStreamRunnerSinglePageNoPagination(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/items", apisync_testing.MockResponse{
		Body: `{"items":[{"id":1},{"id":2}]}`,
	})

	connector := &ConnectorDefinition{BaseURL: "https://api.example.com"}
	stream := StreamDefinition{Name: "items", Path: "/items", RecordPath: "$.items"}
	sink := &recordingSink{}
	runner := newTestRunner(t, mock, connector, stream, sink)

	err := runner.Run(context.Background(), RuntimeConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, runner.recordsEmitted)
	assert.Len(t, sink.records(), 2)
	require.NotEmpty(t, sink.states())
}

func TestStreamRunnerCursorPagination(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/items", apisync_testing.MockResponse{
		Body: `{"items":[{"id":1}],"next_cursor":"page-2"}`,
	})
	mock.Set("https://api.example.com/items?cursor=page-2", apisync_testing.MockResponse{
		Body: `{"items":[{"id":2}],"next_cursor":null}`,
	})

	connector := &ConnectorDefinition{BaseURL: "https://api.example.com"}
	stream := StreamDefinition{
		Name: "items", Path: "/items", RecordPath: "$.items",
		Pagination: PaginationConfig{Type: PaginationCursor, CursorParam: "cursor", CursorPath: "$.next_cursor"},
	}
	sink := &recordingSink{}
	runner := newTestRunner(t, mock, connector, stream, sink)

	err := runner.Run(context.Background(), RuntimeConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, runner.recordsEmitted)
	assert.Equal(t, 2, len(mock.Requests))
}

func TestStreamRunnerIncrementalAdvancesCursor(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/items", apisync_testing.MockResponse{
		Body: `{"items":[{"id":1,"updated_at":"2026-01-01T00:00:00Z"},{"id":2,"updated_at":"2026-01-02T00:00:00Z"}]}`,
	})

	connector := &ConnectorDefinition{BaseURL: "https://api.example.com"}
	stream := StreamDefinition{
		Name: "items", Path: "/items", RecordPath: "$.items",
		CursorField: "updated_at",
		Incremental: &IncrementalConfig{CursorFormat: CursorISO8601},
	}
	sink := &recordingSink{}
	client := &http.Client{Transport: mock}
	executor := NewHTTPExecutor(client, connector.HTTP, &profiler{})
	states := NewStateStore(NewState(), nil)
	runner := NewStreamRunner(connector, stream, executor, &noopAuthenticator{}, states, sink, noopLogger{}, &profiler{})

	err := runner.Run(context.Background(), RuntimeConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T00:00:00Z", states.StreamCursor("items"))
}

func TestStreamRunnerIncrementalSendsCursorParam(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/items?created_after=999", apisync_testing.MockResponse{
		Body: `{"items":[{"id":1,"updated_at":1000}]}`,
	})

	connector := &ConnectorDefinition{BaseURL: "https://api.example.com"}
	stream := StreamDefinition{
		Name: "items", Path: "/items", RecordPath: "$.items",
		CursorField: "updated_at",
		Incremental: &IncrementalConfig{CursorParam: "created_after", CursorFormat: CursorUnix, LookbackSeconds: 1},
	}
	sink := &recordingSink{}
	client := &http.Client{Transport: mock}
	executor := NewHTTPExecutor(client, connector.HTTP, &profiler{})
	states := NewStateStore(NewState(), nil)
	states.AdvanceStreamCursor("items", "1000", CursorUnix)
	runner := NewStreamRunner(connector, stream, executor, &noopAuthenticator{}, states, sink, noopLogger{}, &profiler{})

	err := runner.Run(context.Background(), RuntimeConfig{}, nil)
	require.NoError(t, err)
	require.Len(t, mock.Requests, 1)
	assert.Equal(t, "999", mock.Requests[0].URL.Query().Get("created_after"))
}

func TestStreamRunnerSkipsAlreadyCompletedPartitions(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/items", apisync_testing.MockResponse{Body: `{"items":[{"id":1}]}`})

	connector := &ConnectorDefinition{BaseURL: "https://api.example.com"}
	stream := StreamDefinition{Name: "items", Path: "/items", RecordPath: "$.items"}
	sink := &recordingSink{}
	client := &http.Client{Transport: mock}
	executor := NewHTTPExecutor(client, connector.HTTP, &profiler{})
	states := NewStateStore(NewState(), nil)
	states.CompletePartition("items", "default", "")
	runner := NewStreamRunner(connector, stream, executor, &noopAuthenticator{}, states, sink, noopLogger{}, &profiler{})

	err := runner.Run(context.Background(), RuntimeConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, runner.recordsEmitted)
	assert.Empty(t, mock.Requests)
}

func TestStreamRunnerErrorPolicySkipContinues(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/items/eu", apisync_testing.MockResponse{Status: 500, Body: `{}`})
	mock.Set("https://api.example.com/items/us", apisync_testing.MockResponse{Body: `{"items":[{"id":1}]}`})

	connector := &ConnectorDefinition{BaseURL: "https://api.example.com", HTTP: HTTPConfig{MaxRetries: 1, Backoff: BackoffConfig{InitialMS: 1, MaxMS: 2, Multiplier: 1}}}
	stream := StreamDefinition{
		Name: "items", Path: "/items/{{ partition.region }}", RecordPath: "$.items",
		ErrorPolicy: ErrorPolicySkip,
		Partition:   PartitionConfig{Type: PartitionList, Values: []string{"eu", "us"}, Field: "region"},
	}
	sink := &recordingSink{}
	runner := newTestRunner(t, mock, connector, stream, sink)

	err := runner.Run(context.Background(), RuntimeConfig{}, nil)
	require.NoError(t, err, "skip policy absorbs the eu partition failure and still runs us")
	assert.Equal(t, 1, runner.recordsEmitted)
}

func TestStreamRunnerParentStreamPartitions(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/customers/1/orders", apisync_testing.MockResponse{Body: `{"orders":[{"id":"o1"}]}`})
	mock.Set("https://api.example.com/customers/2/orders", apisync_testing.MockResponse{Body: `{"orders":[{"id":"o2"}]}`})

	connector := &ConnectorDefinition{BaseURL: "https://api.example.com"}
	stream := StreamDefinition{
		Name: "orders", Path: "/customers/{{ partition.customer_id }}/orders", RecordPath: "$.orders",
		Partition: PartitionConfig{Type: PartitionParentStream, ParentStream: "customers", ParentField: "$.id", PartitionField: "customer_id"},
	}
	sink := &recordingSink{}
	runner := newTestRunner(t, mock, connector, stream, sink)

	parentCh := make(chan map[string]interface{}, 2)
	parentCh <- map[string]interface{}{"id": float64(1)}
	parentCh <- map[string]interface{}{"id": float64(2)}
	close(parentCh)

	err := runner.Run(context.Background(), RuntimeConfig{}, parentCh)
	require.NoError(t, err)
	assert.Equal(t, 2, runner.recordsEmitted)
}

func TestStreamRunnerEmitsStatePerPartition(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/items/eu", apisync_testing.MockResponse{Body: `{"items":[{"id":1}]}`})
	mock.Set("https://api.example.com/items/us", apisync_testing.MockResponse{Body: `{"items":[{"id":2}]}`})

	connector := &ConnectorDefinition{BaseURL: "https://api.example.com"}
	stream := StreamDefinition{
		Name: "items", Path: "/items/{{ partition.region }}", RecordPath: "$.items",
		Partition: PartitionConfig{Type: PartitionList, Values: []string{"eu", "us"}, Field: "region"},
	}
	sink := &recordingSink{}
	runner := newTestRunner(t, mock, connector, stream, sink)

	err := runner.Run(context.Background(), RuntimeConfig{}, nil)
	require.NoError(t, err)
	assert.Len(t, sink.states(), 2, "one STATE message should follow each completed partition")
}
