// Package audit appends sync lifecycle events to an append-only trail.
package audit

import (
	"context"
)

const (
	SyncStarted          = "sync_started"
	SyncCompleted        = "sync_completed"
	SyncPartialSuccess   = "sync_partial_success"
	SyncFailed           = "sync_failed"
	SyncSkipped          = "sync_skipped"
	SyncSourceSuperseded = "sync_source_superseded"
	SyncRecordFailed     = "sync_record_failed"
	SyncRetryRequeued    = "sync_retry_requeued"
	SyncRetryExhausted   = "sync_retry_exhausted"
	AnalysisCompleted    = "analysis_completed"
	AnalysisFailed       = "analysis_failed"
)

type Event struct {
	Type          string         `json:"event_type"`
	EntityID      string         `json:"entity_id"`
	CorrelationID string         `json:"correlation_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Sink records events. Append never fails from the caller's point of view;
// implementations log what they could not persist.
type Sink interface {
	Append(ctx context.Context, e Event)
}

type multi []Sink

// Multi fans every event out to each non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Append(ctx context.Context, e Event) {
	for _, s := range m {
		s.Append(ctx, e)
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Append(context.Context, Event) {}
