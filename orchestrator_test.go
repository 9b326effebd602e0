// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apisync_testing "github.com/relaycore/apisync/testing"
)

func TestEngineRunSingleStreamSucceeds(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/items", apisync_testing.MockResponse{Body: `{"items":[{"id":1}]}`})

	connector := &ConnectorDefinition{
		Name: "acme", BaseURL: "https://api.example.com",
		Streams: []StreamDefinition{{Name: "items", Path: "/items", RecordPath: "$.items"}},
	}
	sink := &recordingSink{}
	engine := NewEngine(connector, RuntimeConfig{}, &http.Client{Transport: mock}, sink)

	summary, err := engine.Run(context.Background(), NewStateStore(NewState(), nil), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, summary.Status)
	assert.Equal(t, 1, summary.TotalRecords)
	assert.Equal(t, 1, summary.SuccessfulStreams)
	assert.Equal(t, 0, summary.FailedStreams)
}

func TestEngineRunEmitsSyncSummaryLast(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/items", apisync_testing.MockResponse{Body: `{"items":[{"id":1}]}`})

	connector := &ConnectorDefinition{
		Name: "acme", BaseURL: "https://api.example.com",
		Streams: []StreamDefinition{{Name: "items", Path: "/items", RecordPath: "$.items"}},
	}
	sink := &recordingSink{}
	engine := NewEngine(connector, RuntimeConfig{}, &http.Client{Transport: mock}, sink)

	_, err := engine.Run(context.Background(), NewStateStore(NewState(), nil), nil)
	require.NoError(t, err)

	msgs := sink.messages
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, MessageSyncSummary, last.Type)

	sawRecordBeforeState := false
	for i, m := range msgs {
		if m.Type == MessageRecord {
			for _, later := range msgs[i+1:] {
				if later.Type == MessageState {
					sawRecordBeforeState = true
				}
			}
		}
	}
	assert.True(t, sawRecordBeforeState, "a STATE message must follow the records it covers")
}

func TestEngineRunParentChildStreams(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/customers", apisync_testing.MockResponse{
		Body: `{"customers":[{"id":1},{"id":2}]}`,
	})
	mock.Set("https://api.example.com/customers/1/orders", apisync_testing.MockResponse{Body: `{"orders":[{"id":"o1"}]}`})
	mock.Set("https://api.example.com/customers/2/orders", apisync_testing.MockResponse{Body: `{"orders":[{"id":"o2"},{"id":"o3"}]}`})

	connector := &ConnectorDefinition{
		Name: "acme", BaseURL: "https://api.example.com",
		Streams: []StreamDefinition{
			{Name: "customers", Path: "/customers", RecordPath: "$.customers"},
			{
				Name: "orders", Path: "/customers/{{ partition.customer_id }}/orders", RecordPath: "$.orders",
				Partition: PartitionConfig{Type: PartitionParentStream, ParentStream: "customers", ParentField: "$.id", PartitionField: "customer_id"},
			},
		},
	}
	sink := &recordingSink{}
	engine := NewEngine(connector, RuntimeConfig{}, &http.Client{Transport: mock}, sink)

	summary, err := engine.Run(context.Background(), NewStateStore(NewState(), nil), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, summary.Status)
	assert.Equal(t, 5, summary.TotalRecords, "2 customers + 3 orders")
	assert.Equal(t, 2, summary.SuccessfulStreams)
}

func TestEngineRunErrorPolicyFailAbortsRemainingStreams(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/broken", apisync_testing.MockResponse{Status: 500, Body: `{}`})
	mock.Set("https://api.example.com/ok", apisync_testing.MockResponse{Body: `{"items":[{"id":1}]}`})

	connector := &ConnectorDefinition{
		Name: "acme", BaseURL: "https://api.example.com",
		HTTP: HTTPConfig{MaxRetries: 1, Backoff: BackoffConfig{InitialMS: 1, MaxMS: 2, Multiplier: 1}},
		Streams: []StreamDefinition{
			{Name: "broken", Path: "/broken", RecordPath: "$.items", ErrorPolicy: ErrorPolicyFail},
			{Name: "ok", Path: "/ok", RecordPath: "$.items"},
		},
	}
	sink := &recordingSink{}
	engine := NewEngine(connector, RuntimeConfig{}, &http.Client{Transport: mock}, sink)

	summary, err := engine.Run(context.Background(), NewStateStore(NewState(), nil), nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, summary.Status)
	assert.Len(t, summary.Streams, 1, "the stream queued behind the failure never runs")

	last := sink.messages[len(sink.messages)-1]
	assert.Equal(t, MessageSyncSummary, last.Type)
	assert.Equal(t, StatusFailed, last.Summary.Status)

	foundFinalState := false
	for _, m := range sink.messages {
		if m.Type == MessageState && m.State.Stream == "" {
			foundFinalState = true
		}
	}
	assert.True(t, foundFinalState, "a final global STATE must precede SYNC_SUMMARY even on early abort")
}

func TestEngineRunPartialFailureContinuesUnderDefaultPolicy(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/broken", apisync_testing.MockResponse{Status: 500, Body: `{}`})
	mock.Set("https://api.example.com/ok", apisync_testing.MockResponse{Body: `{"items":[{"id":1}]}`})

	connector := &ConnectorDefinition{
		Name: "acme", BaseURL: "https://api.example.com",
		HTTP: HTTPConfig{MaxRetries: 1, Backoff: BackoffConfig{InitialMS: 1, MaxMS: 2, Multiplier: 1}},
		Streams: []StreamDefinition{
			{Name: "broken", Path: "/broken", RecordPath: "$.items", ErrorPolicy: ErrorPolicyRetry},
			{Name: "ok", Path: "/ok", RecordPath: "$.items"},
		},
	}
	sink := &recordingSink{}
	engine := NewEngine(connector, RuntimeConfig{}, &http.Client{Transport: mock}, sink)

	summary, err := engine.Run(context.Background(), NewStateStore(NewState(), nil), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, summary.Status)
	assert.Len(t, summary.Streams, 2, "error_policy=retry at the stream level still lets later streams run")
	assert.Equal(t, 1, summary.FailedStreams)
	assert.Equal(t, 1, summary.SuccessfulStreams)
}

func TestEngineRunSelectedStreamsSuppressesAncestorRecords(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/customers", apisync_testing.MockResponse{
		Body: `{"customers":[{"id":1},{"id":2}]}`,
	})
	mock.Set("https://api.example.com/customers/1/orders", apisync_testing.MockResponse{Body: `{"orders":[{"id":"o1"}]}`})
	mock.Set("https://api.example.com/customers/2/orders", apisync_testing.MockResponse{Body: `{"orders":[{"id":"o2"},{"id":"o3"}]}`})

	connector := &ConnectorDefinition{
		Name: "acme", BaseURL: "https://api.example.com",
		Streams: []StreamDefinition{
			{Name: "customers", Path: "/customers", RecordPath: "$.customers"},
			{
				Name: "orders", Path: "/customers/{{ partition.customer_id }}/orders", RecordPath: "$.orders",
				Partition: PartitionConfig{Type: PartitionParentStream, ParentStream: "customers", ParentField: "$.id", PartitionField: "customer_id"},
			},
		},
	}
	sink := &recordingSink{}
	engine := NewEngine(connector, RuntimeConfig{}, &http.Client{Transport: mock}, sink)

	summary, err := engine.Run(context.Background(), NewStateStore(NewState(), nil), []string{"orders"})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, summary.Status)

	for _, m := range sink.records() {
		assert.Equal(t, "orders", m.Record.Stream, "customers was only materialized to feed orders' partitions and must not emit its own records")
	}
	assert.Equal(t, 3, len(sink.records()), "orders, the selected stream, still emits every record")
}

func TestEngineRunSelectedStreamsSkipsUnrelatedStreams(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/items", apisync_testing.MockResponse{Body: `{"items":[{"id":1}]}`})

	connector := &ConnectorDefinition{
		Name: "acme", BaseURL: "https://api.example.com",
		Streams: []StreamDefinition{
			{Name: "items", Path: "/items", RecordPath: "$.items"},
			{Name: "other", Path: "/other", RecordPath: "$.items"},
		},
	}
	sink := &recordingSink{}
	engine := NewEngine(connector, RuntimeConfig{}, &http.Client{Transport: mock}, sink)

	summary, err := engine.Run(context.Background(), NewStateStore(NewState(), nil), []string{"items"})
	require.NoError(t, err)
	assert.Len(t, summary.Streams, 1, "a stream neither selected nor required as an ancestor never runs")
	assert.Equal(t, "items", summary.Streams[0].Stream)
}

func TestTopoSortStreamsOrdersParentBeforeChild(t *testing.T) {
	streams := []StreamDefinition{
		{Name: "orders", Partition: PartitionConfig{Type: PartitionParentStream, ParentStream: "customers", ParentField: "$.id"}},
		{Name: "customers"},
	}
	order, err := topoSortStreams(streams)
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, "customers", order[0].Name)
	assert.Equal(t, "orders", order[1].Name)
}

func TestTopoSortStreamsDetectsCycle(t *testing.T) {
	streams := []StreamDefinition{
		{Name: "a", Partition: PartitionConfig{Type: PartitionParentStream, ParentStream: "b", ParentField: "$.id"}},
		{Name: "b", Partition: PartitionConfig{Type: PartitionParentStream, ParentStream: "a", ParentField: "$.id"}},
	}
	_, err := topoSortStreams(streams)
	require.Error(t, err)
}
