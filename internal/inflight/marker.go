// Package inflight marks media groups whose sync is already running so
// duplicate triggers can be dropped.
package inflight

import "context"

type Marker interface {
	// TryAcquire claims groupID. ok is false when another holder has it.
	// release is always safe to call.
	TryAcquire(ctx context.Context, groupID string) (release func(), ok bool, err error)
}

// NoopMarker grants every claim.
type NoopMarker struct{}

func (NoopMarker) TryAcquire(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}
