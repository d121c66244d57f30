package inflight

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMarker(t *testing.T, ttl time.Duration) (*RedisMarker, *miniredis.Miniredis) {
	t.Helper()

	// Start in-memory Redis
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisMarker(rdb, ttl), mr
}

func TestRedisMarker_TryAcquire_Success(t *testing.T) {
	t.Parallel()

	marker, mr := newMarker(t, 10*time.Second)

	release, ok, err := marker.TryAcquire(context.Background(), "g1")
	if err != nil {
		t.Fatalf("TryAcquire() error: %v", err)
	}
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}

	key := "sync:group:g1"
	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttl)
	}

	release()

	if mr.Exists(key) {
		t.Fatalf("expected key %q to be released", key)
	}
}

func TestRedisMarker_TryAcquire_SecondClaimRejected(t *testing.T) {
	t.Parallel()

	marker, _ := newMarker(t, time.Minute)
	ctx := context.Background()

	release, ok, err := marker.TryAcquire(ctx, "g1")
	if err != nil || !ok {
		t.Fatalf("first TryAcquire() = %v, %v", ok, err)
	}
	defer release()

	_, ok, err = marker.TryAcquire(ctx, "g1")
	if err != nil {
		t.Fatalf("second TryAcquire() error: %v", err)
	}
	if ok {
		t.Fatalf("expected second acquire to be rejected")
	}

	// Other groups are independent.
	releaseOther, ok, err := marker.TryAcquire(ctx, "g2")
	if err != nil || !ok {
		t.Fatalf("TryAcquire(g2) = %v, %v", ok, err)
	}
	releaseOther()
}

func TestRedisMarker_ReleaseKeepsForeignMarker(t *testing.T) {
	t.Parallel()

	marker, mr := newMarker(t, time.Second)
	ctx := context.Background()

	staleRelease, ok, err := marker.TryAcquire(ctx, "g1")
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = %v, %v", ok, err)
	}

	mr.FastForward(2 * time.Second)

	freshRelease, ok, err := marker.TryAcquire(ctx, "g1")
	if err != nil || !ok {
		t.Fatalf("TryAcquire() after expiry = %v, %v", ok, err)
	}
	defer freshRelease()

	staleRelease()

	if !mr.Exists("sync:group:g1") {
		t.Fatalf("expected stale release to leave the new holder's marker in place")
	}
}

func TestRedisMarker_TryAcquire_ContextCanceled(t *testing.T) {
	t.Parallel()

	marker, _ := newMarker(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release, _, err := marker.TryAcquire(ctx, "g1")
	if err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
	release()
}

func TestNoopMarker(t *testing.T) {
	release, ok, err := NoopMarker{}.TryAcquire(context.Background(), "g1")
	if err != nil || !ok {
		t.Fatalf("NoopMarker.TryAcquire() = %v, %v", ok, err)
	}
	release()
}
