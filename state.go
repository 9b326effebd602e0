// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"sync"

	"github.com/goccy/go-json"
)

// PartitionState tracks one partition's progress within a stream (§3).
type PartitionState struct {
	Cursor    string `json:"cursor,omitempty"`
	Completed bool   `json:"completed"`
}

// StreamState is the per-stream slice of State (§3).
type StreamState struct {
	Cursor     string                     `json:"cursor,omitempty"`
	Partitions map[string]*PartitionState `json:"partitions,omitempty"`
}

// State is the full checkpointable state of a sync run (§3). It round-trips
// through JSON by construction: every field is exported and every map is
// keyed by plain strings.
type State struct {
	Streams map[string]*StreamState `json:"streams"`
}

// NewState returns an empty, ready-to-use State.
func NewState() State {
	return State{Streams: map[string]*StreamState{}}
}

// Clone deep-copies s via JSON round-trip — cheap enough for checkpoint
// cadence and guarantees no aliasing between the orchestrator's live state
// and whatever a sink does with an emitted snapshot.
func (s State) Clone() State {
	b, err := json.Marshal(s)
	if err != nil {
		return NewState()
	}
	var out State
	if err := json.Unmarshal(b, &out); err != nil {
		return NewState()
	}
	if out.Streams == nil {
		out.Streams = map[string]*StreamState{}
	}
	return out
}

// CheckpointFunc is invoked through StateStore.Checkpoint, which a
// StreamRunner calls once after all of its stream's partitions have run
// without an aborting error. It is not invoked after each STATE message,
// and a stream that fails does not trigger it. It lets an embedder persist
// progress out-of-band (e.g. to a file or a database row) without needing
// to intercept the Sink stream.
type CheckpointFunc func(State)

// StateStore is the single writer (per stream, at any instant) of a sync
// run's State, per §5's ownership rules. All mutation goes through it so
// the orchestrator can snapshot consistently between stream runners.
type StateStore struct {
	mu         sync.Mutex
	state      State
	checkpoint CheckpointFunc
}

// NewStateStore seeds a StateStore from prior state (possibly empty).
func NewStateStore(initial State, checkpoint CheckpointFunc) *StateStore {
	if initial.Streams == nil {
		initial = NewState()
	}
	return &StateStore{state: initial, checkpoint: checkpoint}
}

func (s *StateStore) streamLocked(name string) *StreamState {
	ss, ok := s.state.Streams[name]
	if !ok {
		ss = &StreamState{Partitions: map[string]*PartitionState{}}
		s.state.Streams[name] = ss
	}
	if ss.Partitions == nil {
		ss.Partitions = map[string]*PartitionState{}
	}
	return ss
}

// StreamCursor returns the stream's prior cursor, or "" if none.
func (s *StateStore) StreamCursor(stream string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.state.Streams[stream]; ok {
		return ss.Cursor
	}
	return ""
}

// PartitionState returns a copy of the partition's prior state, or the zero
// value if the partition is new.
func (s *StateStore) PartitionState(stream, partitionID string) PartitionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.state.Streams[stream]
	if !ok {
		return PartitionState{}
	}
	ps, ok := ss.Partitions[partitionID]
	if !ok || ps == nil {
		return PartitionState{}
	}
	return *ps
}

// SetPartitionCursor records the max cursor observed within a partition so
// far, without marking it complete; the stream runner only passes a value
// larger than the one already stored, and CompletePartition later keeps it.
func (s *StateStore) SetPartitionCursor(stream, partitionID, cursor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.streamLocked(stream)
	ps, ok := ss.Partitions[partitionID]
	if !ok || ps == nil {
		ps = &PartitionState{}
		ss.Partitions[partitionID] = ps
	}
	ps.Cursor = cursor
}

// CompletePartition marks a partition done; it will be skipped by the
// router on a subsequent run within the same run (§3 invariant ii).
func (s *StateStore) CompletePartition(stream, partitionID, cursor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.streamLocked(stream)
	ss.Partitions[partitionID] = &PartitionState{Cursor: cursor, Completed: true}
}

// IsPartitionCompleted reports whether a partition was already completed in
// the state the run started with (or has been completed so far this run).
func (s *StateStore) IsPartitionCompleted(stream, partitionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.state.Streams[stream]
	if !ok {
		return false
	}
	ps, ok := ss.Partitions[partitionID]
	return ok && ps != nil && ps.Completed
}

// AdvanceStreamCursor sets the stream's cursor to the max of its current
// value and candidate, under ordering. Never moves it backward (§3
// invariant i, §8).
func (s *StateStore) AdvanceStreamCursor(stream, candidate string, ordering CursorOrdering) {
	if candidate == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.streamLocked(stream)
	if ss.Cursor == "" || ordering.Less(ss.Cursor, candidate) {
		ss.Cursor = candidate
	}
}

// Snapshot returns a deep copy of the current state, safe to hand to a Sink
// or a checkpoint callback without risk of the orchestrator mutating it
// concurrently afterward.
func (s *StateStore) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Checkpoint invokes the configured CheckpointFunc (if any) with a snapshot.
func (s *StateStore) Checkpoint() {
	if s.checkpoint == nil {
		return
	}
	s.checkpoint(s.Snapshot())
}
