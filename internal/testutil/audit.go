package testutil

import (
	"context"
	"sync"

	"github.com/LeventeLantos/mediasync/internal/audit"
)

// AuditRecorder keeps every appended event in memory.
type AuditRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *AuditRecorder) Append(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *AuditRecorder) Events() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

// Types lists event types in append order.
func (r *AuditRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Count returns how many events of typ were appended.
func (r *AuditRecorder) Count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}
