// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import "github.com/goccy/go-json"

// MessageType discriminates the engine's output protocol (§6).
type MessageType string

const (
	MessageLog         MessageType = "LOG"
	MessageRecord      MessageType = "RECORD"
	MessageState       MessageType = "STATE"
	MessageSyncSummary MessageType = "SYNC_SUMMARY"
)

// Message is the discriminated envelope every Sink receives. Exactly one of
// the typed payload fields is populated, matching MessageType.
type Message struct {
	Type MessageType `json:"type"`

	Log    *LogPayload    `json:"log,omitempty"`
	Record *RecordPayload `json:"record,omitempty"`
	State  *StatePayload  `json:"state,omitempty"`
	Summary *SyncSummary  `json:"summary,omitempty"`
}

type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

type LogPayload struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// RecordPayload carries one extracted record. EmittedAt is milliseconds
// since epoch UTC per §6.
type RecordPayload struct {
	Stream    string         `json:"stream"`
	Data      map[string]any `json:"data"`
	EmittedAt int64          `json:"emitted_at"`
}

// StatePayload is either a per-stream checkpoint (Stream set) or the final
// global snapshot (Stream empty, full State attached).
type StatePayload struct {
	Stream string `json:"stream,omitempty"`
	State  State  `json:"state"`
}

// SyncSummaryStatus is the terminal status of a sync run (§4.9).
type SyncSummaryStatus string

const (
	StatusSucceeded SyncSummaryStatus = "SUCCEEDED"
	StatusPartial   SyncSummaryStatus = "PARTIAL"
	StatusFailed    SyncSummaryStatus = "FAILED"
)

// StreamResult is the per-stream outcome folded into SYNC_SUMMARY.
type StreamResult struct {
	Stream     string `json:"stream"`
	Records    int    `json:"records"`
	Succeeded  bool   `json:"succeeded"`
	Error      string `json:"error,omitempty"`
}

// SyncSummary is the mandatory terminal message (§4.9, §8).
type SyncSummary struct {
	Status            SyncSummaryStatus `json:"status"`
	TotalRecords      int               `json:"total_records"`
	SuccessfulStreams int               `json:"successful_streams"`
	FailedStreams     int               `json:"failed_streams"`
	Streams           []StreamResult    `json:"streams"`
}

// Sink receives every Message the orchestrator produces, in order. Output
// sinks (file writers, columnar writers, object-store drivers) are external
// collaborators (§6); the engine only depends on this interface.
type Sink interface {
	Emit(Message) error
}

// ChannelSink is a Sink backed by a Go channel, useful for in-process
// consumption (the probe TUI, an HTTP handler collecting records in
// memory per §6's /sync contract).
type ChannelSink struct {
	Ch chan Message
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{Ch: make(chan Message, buffer)}
}

func (s *ChannelSink) Emit(m Message) error {
	s.Ch <- m
	return nil
}

// MarshalRecord renders a RecordPayload's data as canonical JSON, used by
// NDJSON sinks. Exposed so external sinks do not need to re-derive the
// engine's encoding (goccy/go-json, not encoding/json — see DESIGN.md).
func MarshalRecord(r RecordPayload) ([]byte, error) {
	return json.Marshal(r)
}
