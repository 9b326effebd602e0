// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"context"
	"fmt"
	"time"
)

// defaultParentBufferCap bounds how many parent records an Engine holds in
// memory to feed a parent_stream child before refusing to continue (§4.7,
// §9): silently dropping overflow would produce an incomplete child sync,
// so overflow is a ConfigError instead.
const defaultParentBufferCap = 100000

// Engine orchestrates every stream of a connector in dependency order
// (§4.9): parent streams always finish before the children that read their
// records, state is checkpointed per stream as it completes, and a single
// SyncSummary is returned covering every stream's outcome.
type Engine struct {
	Connector       *ConnectorDefinition
	Config          RuntimeConfig
	HTTPClient      HTTPClient
	Logger          Logger
	Sink            Sink
	Profiler        chan StepProfilerData
	ParentBufferCap int
}

// NewEngine builds an Engine with teacher-style defaults: http.DefaultClient
// equivalent caller-supplied client, a slog-backed Logger, and profiling off
// unless a channel is supplied.
func NewEngine(connector *ConnectorDefinition, config RuntimeConfig, client HTTPClient, sink Sink) *Engine {
	return &Engine{
		Connector:       connector,
		Config:          config,
		HTTPClient:      client,
		Logger:          NewDefaultLogger(),
		Sink:            sink,
		ParentBufferCap: defaultParentBufferCap,
	}
}

// Run drives every stream to completion and returns the aggregate summary
// (§4.9). A single stream's failure under error_policy=fail aborts the
// streams still queued behind it; streams already completed keep their
// results in the summary. selected names the streams the caller actually
// wants synced; a nil or empty selected means every stream. A parent_stream
// ancestor a selected stream depends on still runs (materialized so its
// children have partitions to read), but its own RECORD messages are
// suppressed since the caller never asked for that stream's rows.
func (e *Engine) Run(ctx context.Context, states *StateStore, selected []string) (*SyncSummary, error) {
	order, err := topoSortStreams(e.Connector.Streams)
	if err != nil {
		return nil, err
	}

	required := requiredStreams(e.Connector.Streams, selected)
	userSelected := make(map[string]bool, len(selected))
	for _, name := range selected {
		userSelected[name] = true
	}
	wantAll := len(selected) == 0

	p := &profiler{ch: e.Profiler}

	baseCtx := TemplateContext{Config: e.Config, Now: time.Now()}
	globalAuth, err := e.buildAuthenticator(e.Connector.Authentication, baseCtx, p)
	if err != nil {
		return nil, err
	}

	executor := NewHTTPExecutor(e.HTTPClient, e.Connector.HTTP, p)

	childrenByParent := map[string][]string{}
	for _, s := range e.Connector.Streams {
		if s.Partition.kindOrDefault() == PartitionParentStream {
			childrenByParent[s.Partition.ParentStream] = append(childrenByParent[s.Partition.ParentStream], s.Name)
		}
	}

	parentBuffers := map[string][]map[string]interface{}{}
	summary := &SyncSummary{Status: StatusSucceeded}
	var abortErr error

	for _, stream := range order {
		if !required[stream.Name] {
			continue
		}

		auth := globalAuth
		if stream.Authentication != nil {
			a, err := e.buildAuthenticator(stream.Authentication, baseCtx, p)
			if err != nil {
				return nil, err
			}
			auth = a
		}

		isSelected := wantAll || userSelected[stream.Name]

		sink := e.Sink
		if names := childrenByParent[stream.Name]; len(names) > 0 {
			sink = &bufferingSink{inner: e.Sink, buffer: &[]map[string]interface{}{}, cap: e.parentBufferCapOrDefault(), streamName: stream.Name, selected: isSelected}
		}

		runner := NewStreamRunner(e.Connector, stream, executor, auth, states, sink, e.Logger, p)

		var parentCh <-chan map[string]interface{}
		if stream.Partition.kindOrDefault() == PartitionParentStream {
			parentCh = channelFromSlice(parentBuffers[stream.Partition.ParentStream])
		}

		runErr := runner.Run(ctx, e.Config, parentCh)

		if stateErr := e.Sink.Emit(Message{
			Type:  MessageState,
			State: &StatePayload{Stream: stream.Name, State: states.Snapshot()},
		}); stateErr != nil && runErr == nil {
			runErr = newErr(KindCancelled, "sink", stateErr)
		}

		result := StreamResult{Stream: stream.Name, Records: runner.recordsEmitted, Succeeded: runErr == nil}
		if runErr != nil {
			result.Error = runErr.Error()
			summary.FailedStreams++
			summary.Status = StatusPartial
		} else {
			summary.SuccessfulStreams++
		}
		summary.TotalRecords += runner.recordsEmitted
		summary.Streams = append(summary.Streams, result)

		if bs, ok := sink.(*bufferingSink); ok {
			parentBuffers[stream.Name] = *bs.buffer
		}

		if runErr != nil && stream.errorPolicyOrDefault() == ErrorPolicyFail {
			summary.Status = StatusFailed
			abortErr = runErr
			break
		}
	}

	// A final global STATE always precedes SYNC_SUMMARY, even when a
	// stream aborted the run early (§6): it reflects whatever work
	// completed before the abort.
	if err := e.Sink.Emit(Message{
		Type:  MessageState,
		State: &StatePayload{State: states.Snapshot()},
	}); err != nil {
		return summary, newErr(KindCancelled, "sink", err)
	}

	if err := e.Sink.Emit(Message{Type: MessageSyncSummary, Summary: summary}); err != nil {
		return summary, newErr(KindCancelled, "sink", err)
	}
	return summary, abortErr
}

func (e *Engine) parentBufferCapOrDefault() int {
	if e.ParentBufferCap <= 0 {
		return defaultParentBufferCap
	}
	return e.ParentBufferCap
}

func (e *Engine) buildAuthenticator(cfg *AuthenticatorConfig, base TemplateContext, p *profiler) (Authenticator, error) {
	if cfg == nil {
		return &noopAuthenticator{}, nil
	}
	return NewAuthenticator(*cfg, e.HTTPClient, base, p)
}

// bufferingSink forwards every record to the real sink while also
// accumulating the raw record data so a dependent parent_stream child can
// consume it once this stream finishes (§4.7). When selected is false, this
// stream was only materialized because a selected child needs its records as
// partitions, not because the caller asked to sync it: RECORD messages are
// still buffered for the child but are not forwarded to the real sink.
type bufferingSink struct {
	inner      Sink
	buffer     *[]map[string]interface{}
	cap        int
	streamName string
	selected   bool
}

func (s *bufferingSink) Emit(msg Message) error {
	if msg.Type == MessageRecord {
		if len(*s.buffer) >= s.cap {
			return newErrf(KindConfigError, "partition.parent_stream", "parent stream %q produced more than %d records, exceeding the buffering cap", s.streamName, s.cap)
		}
		*s.buffer = append(*s.buffer, msg.Record.Data)
		if !s.selected {
			return nil
		}
	}
	return s.inner.Emit(msg)
}

// requiredStreams computes the minimal set of streams that must run to
// satisfy selected (§4.9): every selected stream, plus every parent_stream
// ancestor a selected stream transitively depends on. A nil or empty
// selected means every stream in the connector.
func requiredStreams(streams []StreamDefinition, selected []string) map[string]bool {
	if len(selected) == 0 {
		all := make(map[string]bool, len(streams))
		for _, s := range streams {
			all[s.Name] = true
		}
		return all
	}

	byName := make(map[string]StreamDefinition, len(streams))
	for _, s := range streams {
		byName[s.Name] = s
	}

	required := map[string]bool{}
	var include func(name string)
	include = func(name string) {
		if required[name] {
			return
		}
		required[name] = true
		if s, ok := byName[name]; ok && s.Partition.kindOrDefault() == PartitionParentStream {
			include(s.Partition.ParentStream)
		}
	}
	for _, name := range selected {
		include(name)
	}
	return required
}

func channelFromSlice(records []map[string]interface{}) <-chan map[string]interface{} {
	ch := make(chan map[string]interface{}, len(records))
	for _, r := range records {
		ch <- r
	}
	close(ch)
	return ch
}

// topoSortStreams orders streams so every parent_stream dependency runs
// before its children (§4.9); ValidateConnector has already rejected cycles
// and unknown parent references, so this only needs to produce an order.
func topoSortStreams(streams []StreamDefinition) ([]StreamDefinition, error) {
	byName := make(map[string]StreamDefinition, len(streams))
	for _, s := range streams {
		byName[s.Name] = s
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(streams))
	var order []StreamDefinition

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("cycle detected at stream %q", name)
		}
		state[name] = visiting
		s := byName[name]
		if s.Partition.kindOrDefault() == PartitionParentStream {
			if err := visit(s.Partition.ParentStream); err != nil {
				return err
			}
		}
		state[name] = visited
		order = append(order, s)
		return nil
	}

	for _, s := range streams {
		if err := visit(s.Name); err != nil {
			return nil, newErr(KindConfigError, "streams", err)
		}
	}
	return order, nil
}
