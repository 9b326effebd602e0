// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apisync_testing "github.com/relaycore/apisync/testing"
)

func asyncJobStream() StreamDefinition {
	return StreamDefinition{
		Name:       "export",
		RecordPath: "$",
		Partition: PartitionConfig{
			Type: PartitionAsyncJob,
			AsyncJob: &AsyncJobConfig{
				CreatePath:      "https://api.example.com/exports",
				JobIDPath:       "$.job_id",
				PollPath:        "https://api.example.com/exports/{{ partition.job_id }}",
				StatusPath:      "$.status",
				CompletedWhen:   `status == "DONE"`,
				FailedWhen:      `status == "FAILED"`,
				DownloadURLPath: "$.download_url",
				PollIntervalMS:  1,
			},
		},
	}
}

func TestAsyncJobFullLifecycleSucceeds(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/exports", apisync_testing.MockResponse{Body: `{"job_id":"job-1"}`})
	mock.Set("https://api.example.com/exports/job-1", apisync_testing.MockResponse{
		Body: `{"status":"DONE","download_url":"https://api.example.com/downloads/job-1"}`,
	})
	mock.Set("https://api.example.com/downloads/job-1", apisync_testing.MockResponse{
		Body: `[{"id":1},{"id":2}]`,
	})

	connector := &ConnectorDefinition{BaseURL: "https://api.example.com"}
	sink := &recordingSink{}
	runner := newTestRunner(t, mock, connector, asyncJobStream(), sink)

	err := runner.Run(context.Background(), RuntimeConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, runner.recordsEmitted)
	assert.Len(t, sink.states(), 1)
}

func TestAsyncJobPollsUntilComplete(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/exports", apisync_testing.MockResponse{Body: `{"job_id":"job-1"}`})
	mock.Enqueue("https://api.example.com/exports/job-1", apisync_testing.MockResponse{Body: `{"status":"RUNNING"}`})
	mock.Enqueue("https://api.example.com/exports/job-1", apisync_testing.MockResponse{Body: `{"status":"RUNNING"}`})
	mock.Enqueue("https://api.example.com/exports/job-1", apisync_testing.MockResponse{
		Body: `{"status":"DONE","download_url":"https://api.example.com/downloads/job-1"}`,
	})
	mock.Set("https://api.example.com/downloads/job-1", apisync_testing.MockResponse{Body: `[{"id":1}]`})

	connector := &ConnectorDefinition{BaseURL: "https://api.example.com"}
	sink := &recordingSink{}
	runner := newTestRunner(t, mock, connector, asyncJobStream(), sink)

	err := runner.Run(context.Background(), RuntimeConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, runner.recordsEmitted)
}

func TestAsyncJobFailedStatusIsError(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/exports", apisync_testing.MockResponse{Body: `{"job_id":"job-1"}`})
	mock.Set("https://api.example.com/exports/job-1", apisync_testing.MockResponse{Body: `{"status":"FAILED"}`})

	connector := &ConnectorDefinition{BaseURL: "https://api.example.com"}
	sink := &recordingSink{}
	runner := newTestRunner(t, mock, connector, asyncJobStream(), sink)

	err := runner.Run(context.Background(), RuntimeConfig{}, nil)
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindAsyncJobFailed, apiErr.Kind)
	assert.Empty(t, sink.states(), "a failed job must not emit a completion STATE")
}

func TestAsyncJobTimeout(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/exports", apisync_testing.MockResponse{Body: `{"job_id":"job-1"}`})
	mock.Set("https://api.example.com/exports/job-1", apisync_testing.MockResponse{Body: `{"status":"RUNNING"}`})

	stream := asyncJobStream()
	stream.Partition.AsyncJob.TimeoutSeconds = 1

	connector := &ConnectorDefinition{BaseURL: "https://api.example.com"}
	sink := &recordingSink{}
	runner := newTestRunner(t, mock, connector, stream, sink)

	err := runner.Run(context.Background(), RuntimeConfig{}, nil)
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindAsyncJobTimeout, apiErr.Kind)
}

func TestAsyncJobMintsJobIDWhenMissing(t *testing.T) {
	mock := apisync_testing.NewMockRoundTripper()
	mock.Set("https://api.example.com/exports", apisync_testing.MockResponse{Body: `{}`})

	stream := asyncJobStream()
	stream.Partition.AsyncJob.PollPath = "https://api.example.com/exports/status"
	mock.Set("https://api.example.com/exports/status", apisync_testing.MockResponse{
		Body: `{"status":"DONE","download_url":"https://api.example.com/downloads/x"}`,
	})
	mock.Set("https://api.example.com/downloads/x", apisync_testing.MockResponse{Body: `[]`})

	connector := &ConnectorDefinition{BaseURL: "https://api.example.com"}
	sink := &recordingSink{}
	runner := newTestRunner(t, mock, connector, stream, sink)

	err := runner.Run(context.Background(), RuntimeConfig{}, nil)
	require.NoError(t, err)
}

func TestBuildRequestEmptyHeadersStillWorks(t *testing.T) {
	req, err := buildRequest(context.Background(), "GET", "https://api.example.com/x", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Nil(t, req.Body)
}
