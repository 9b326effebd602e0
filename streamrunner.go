// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// StreamRunner drives one stream definition to completion (§4.8): it
// enumerates partitions, pages through each, extracts and emits records,
// and checkpoints state as it goes.
type StreamRunner struct {
	connector *ConnectorDefinition
	stream    StreamDefinition
	executor  *HTTPExecutor
	auth      Authenticator
	extractor *pathExtractor
	states    *StateStore
	sink      Sink
	logger    Logger
	p         *profiler

	recordsEmitted int
}

// NewStreamRunner wires a runner for one stream. auth is the already-resolved
// authenticator to use for this stream (the stream's own override, or the
// connector's shared one).
func NewStreamRunner(connector *ConnectorDefinition, stream StreamDefinition, executor *HTTPExecutor, auth Authenticator, states *StateStore, sink Sink, logger Logger, p *profiler) *StreamRunner {
	return &StreamRunner{
		connector: connector,
		stream:    stream,
		executor:  executor,
		auth:      auth,
		extractor: newPathExtractor(),
		states:    states,
		sink:      sink,
		logger:    logger,
		p:         p,
	}
}

// baseTemplateContext builds the config/now layer shared by every request
// this stream issues; per-partition values are layered on top per request.
func (r *StreamRunner) baseTemplateContext(config RuntimeConfig, partition map[string]string, jobID string) TemplateContext {
	return TemplateContext{
		Config:    config,
		Partition: partition,
		State:     map[string]string{"cursor": r.states.StreamCursor(r.stream.Name)},
		JobID:     jobID,
		Now:       time.Now(),
	}
}

// Run executes every partition of the stream (§4.8). For parent_stream
// partitioning, partitions arrive one at a time from parentRecords instead
// of being enumerated up front; pass a nil channel for every other variant.
func (r *StreamRunner) Run(ctx context.Context, config RuntimeConfig, parentRecords <-chan map[string]interface{}) error {
	if r.stream.Partition.kindOrDefault() == PartitionParentStream {
		return r.runParentStreamPartitions(ctx, config, parentRecords)
	}

	partitions, err := BuildPartitions(r.stream.Partition)
	if err != nil {
		return err
	}
	for _, part := range partitions {
		if r.states.IsPartitionCompleted(r.stream.Name, part.ID) {
			continue
		}
		if err := r.runPartition(ctx, config, part); err != nil {
			if r.stream.errorPolicyOrDefault() == ErrorPolicySkip {
				r.logger.Warning("stream %s partition %s failed, skipping: %v", r.stream.Name, part.ID, err)
				continue
			}
			return err
		}
	}
	r.states.Checkpoint()
	return nil
}

func (r *StreamRunner) runParentStreamPartitions(ctx context.Context, config RuntimeConfig, parentRecords <-chan map[string]interface{}) error {
	for {
		select {
		case <-ctx.Done():
			return newErr(KindCancelled, "stream", ctx.Err())
		case rec, ok := <-parentRecords:
			if !ok {
				r.states.Checkpoint()
				return nil
			}
			part, err := NewParentPartition(r.stream.Partition, r.extractor, rec)
			if err != nil {
				return err
			}
			if r.states.IsPartitionCompleted(r.stream.Name, part.ID) {
				continue
			}
			if err := r.runPartition(ctx, config, part); err != nil {
				if r.stream.errorPolicyOrDefault() == ErrorPolicySkip {
					r.logger.Warning("stream %s partition %s failed, skipping: %v", r.stream.Name, part.ID, err)
					continue
				}
				return err
			}
		}
	}
}

func (r *StreamRunner) runPartition(ctx context.Context, config RuntimeConfig, part Partition) error {
	if r.stream.Partition.kindOrDefault() == PartitionAsyncJob {
		return r.runAsyncJobPartition(ctx, config, part)
	}

	partID := r.p.emit(EventPartition, part.ID, "", map[string]any{"stream": r.stream.Name})

	paginator, err := NewPaginator(r.stream.Pagination, r.extractor)
	if err != nil {
		return err
	}

	baseCtx := r.baseTemplateContext(config, part.Values, "")
	requestURL, err := expandTemplate(r.joinBaseAndPath(), baseCtx)
	if err != nil {
		return err
	}

	incParams := r.incrementalParams()

	page := paginator.NextFromCtx()
	for {
		select {
		case <-ctx.Done():
			return newErr(KindCancelled, "stream", ctx.Err())
		default:
		}

		params := mergeParams(r.connector.Params, r.stream.Params, part.Params, incParams, page.QueryParams)
		// The incremental cursor param only shapes the first request; the
		// paginator's own params drive every later page.
		incParams = nil
		pageURL := requestURL
		if page.URLOverride != "" {
			pageURL = page.URLOverride
		} else if len(params) > 0 {
			pageURL, err = ApplyQueryParams(requestURL, params)
			if err != nil {
				return newErr(KindConfigError, "stream.path", err)
			}
		}

		body, err := expandTemplate(r.stream.Body, baseCtx)
		if err != nil {
			return err
		}
		headers := mergeParams(r.connector.Headers, r.stream.Headers, nil)

		method := r.stream.methodOrDefault()
		requestID := uuid.New().String()
		resp, raw, err := r.executor.Execute(ctx, r.auth, func() (*http.Request, error) {
			req, err := buildRequest(ctx, method, pageURL, headers, body)
			if err != nil {
				return nil, newErr(KindConfigError, "stream.path", err)
			}
			return req, nil
		}, requestID)
		if err != nil {
			return err
		}

		decoded, err := Decode(raw, r.stream.Decoder)
		if err != nil {
			return err
		}

		records, err := r.extractor.ExtractRecords(decoded, r.stream.RecordPath)
		if err != nil {
			return err
		}

		if err := r.emitRecords(records); err != nil {
			return err
		}

		if r.stream.Incremental != nil {
			r.advanceCursor(part.ID, records)
		}

		next, err := paginator.Advance(decoded, resp.Header, len(records))
		if err != nil {
			return err
		}
		if paginator.Done() {
			break
		}
		page = next
	}

	r.states.CompletePartition(r.stream.Name, part.ID, r.states.PartitionState(r.stream.Name, part.ID).Cursor)
	r.p.emit(EventStreamDone, part.ID, partID, nil)
	return r.emitState()
}

// emitState publishes a per-stream STATE message carrying the full state
// snapshot (§6): stream runners emit one after every partition completes,
// so a STATE always follows the records it covers.
func (r *StreamRunner) emitState() error {
	if err := r.sink.Emit(Message{
		Type:  MessageState,
		State: &StatePayload{Stream: r.stream.Name, State: r.states.Snapshot()},
	}); err != nil {
		return newErr(KindCancelled, "sink", err)
	}
	return nil
}

func (r *StreamRunner) joinBaseAndPath() string {
	base := r.connector.BaseURL
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	path := r.stream.Path
	if len(path) > 0 && path[0] != '/' {
		path = "/" + path
	}
	return base + path
}

func (r *StreamRunner) emitRecords(records []map[string]interface{}) error {
	now := time.Now().UnixMilli()
	for _, rec := range records {
		if err := r.sink.Emit(Message{
			Type: MessageRecord,
			Record: &RecordPayload{
				Stream:    r.stream.Name,
				Data:      rec,
				EmittedAt: now,
			},
		}); err != nil {
			return newErr(KindCancelled, "sink", err)
		}
		r.recordsEmitted++
	}
	return nil
}

// incrementalParams resolves the incremental cursor_param request layer
// (§4.8): the stream's prior checkpointed cursor, shifted back by
// lookback_seconds to widen the window for late-arriving records, sent as
// the configured query parameter on the partition's first request. A stream
// with no cursor_param configured, or with no prior cursor yet (first
// sync), contributes nothing.
func (r *StreamRunner) incrementalParams() map[string]string {
	inc := r.stream.Incremental
	if inc == nil || inc.CursorParam == "" {
		return nil
	}
	prior := r.states.StreamCursor(r.stream.Name)
	if prior == "" {
		return nil
	}
	ordering := inc.CursorFormat
	if ordering == "" {
		ordering = CursorString
	}
	return map[string]string{inc.CursorParam: ordering.ShiftBack(prior, inc.LookbackSeconds)}
}

// advanceCursor extracts the configured cursor field from each record and
// moves both the stream cursor and the partition's cursor forward to the
// largest value seen, never backward (§4.8, §9).
func (r *StreamRunner) advanceCursor(partitionID string, records []map[string]interface{}) {
	ordering := r.stream.Incremental.CursorFormat
	if ordering == "" {
		ordering = CursorString
	}
	for _, rec := range records {
		val, ok := rec[r.stream.CursorField]
		if !ok {
			continue
		}
		candidate := ScalarToString(val)
		if candidate == "" {
			continue
		}
		r.states.AdvanceStreamCursor(r.stream.Name, candidate, ordering)
		if cur := r.states.PartitionState(r.stream.Name, partitionID).Cursor; cur == "" || ordering.Less(cur, candidate) {
			r.states.SetPartitionCursor(r.stream.Name, partitionID, candidate)
		}
	}
}

// mergeParams layers maps in ascending precedence (later overrides earlier),
// per §4.8's connector < stream < pagination precedence order.
func mergeParams(layers ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}
