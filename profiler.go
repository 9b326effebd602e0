// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"time"

	"github.com/google/uuid"
)

// ProfileEventType enumerates the kinds of profiler events the engine emits
// when profiling is enabled. Mirrors the teacher's auth-only event set,
// extended to cover request/pagination/partition steps.
type ProfileEventType string

const (
	EventAuthStart        ProfileEventType = "auth.start"
	EventAuthCached       ProfileEventType = "auth.cached"
	EventAuthTokenInject  ProfileEventType = "auth.token_inject"
	EventAuthLoginStart   ProfileEventType = "auth.login_start"
	EventAuthLoginEnd     ProfileEventType = "auth.login_end"
	EventAuthTokenExtract ProfileEventType = "auth.token_extract"
	EventAuthEnd          ProfileEventType = "auth.end"

	EventRequestStart ProfileEventType = "request.start"
	EventRequestEnd   ProfileEventType = "request.end"
	EventPageAdvance  ProfileEventType = "pagination.advance"
	EventPartition    ProfileEventType = "partition.start"
	EventStreamDone   ProfileEventType = "stream.done"
)

// StepProfilerData is one profiler event, the same "Name/Data/Extra"
// shape the teacher's crawler.go StepProfilerData carries, folded together
// with the richer ID/ParentID/Duration fields the teacher's root
// authenticator.go independently grew for auth events. Kept optional and
// off by default: events are only sent when a channel is supplied through
// Engine.Profiler; with a nil channel emitting is a no-op.
type StepProfilerData struct {
	ID        string
	ParentID  string
	Type      ProfileEventType
	Name      string
	Stream    string
	Partition string
	Timestamp time.Time
	Duration  int64 // milliseconds, only set on "...end" events
	Data      map[string]any
}

// profiler is embedded by components (authenticator, stream runner) that
// want to emit events without caring whether anyone is listening.
type profiler struct {
	ch chan StepProfilerData
}

func (p *profiler) emit(t ProfileEventType, name, parentID string, data map[string]any) string {
	if p == nil || p.ch == nil {
		return ""
	}
	if data == nil {
		data = make(map[string]any)
	}
	ev := StepProfilerData{
		ID:        uuid.New().String(),
		ParentID:  parentID,
		Type:      t,
		Name:      name,
		Timestamp: time.Now(),
		Data:      data,
	}
	p.ch <- ev
	return ev.ID
}

func (p *profiler) emitEnd(t ProfileEventType, name, parentID string, duration time.Duration, data map[string]any) {
	if p == nil || p.ch == nil {
		return
	}
	if data == nil {
		data = make(map[string]any)
	}
	p.ch <- StepProfilerData{
		ID:        uuid.New().String(),
		ParentID:  parentID,
		Type:      t,
		Name:      name,
		Timestamp: time.Now(),
		Duration:  duration.Milliseconds(),
		Data:      data,
	}
}

// maskToken masks a credential for display, showing only first/last 4
// characters — carried over from the teacher's authenticator.go verbatim,
// since spec.md §7 requires secrets never be logged in full.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
