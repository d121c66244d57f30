package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/mediasync/internal/audit"
	"github.com/LeventeLantos/mediasync/internal/model"
	"github.com/LeventeLantos/mediasync/internal/service"
	"github.com/LeventeLantos/mediasync/internal/testutil"
)

func completedOriginal(id, group string, offset time.Duration, name string) model.Message {
	m := analyzed(id, group, offset, name)
	m.ProcessingState = model.Completed
	m.IsOriginalCaption = true
	m.GroupCaptionSynced = true
	return m
}

func TestRunSweep_ProcessesReadyGroupsAndSkipsOthers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{},
		// ready: analyzed record still processing
		analyzed("a1", "ga", 0, "Widget"),
		testutil.Msg("a2", "ga", time.Minute, model.Pending),
		// not ready: nothing analyzed
		testutil.Msg("b1", "gb", 0, model.Initialized),
		// representative already completed, new sibling arrived
		completedOriginal("c1", "gc", 0, "Lamp"),
		testutil.Msg("c2", "gc", time.Minute, model.Pending),
		// ungrouped records are ignored
		testutil.Msg("solo", "", 0, model.Pending),
	)

	var swept []service.Summary
	f.orch.WithHooks(service.Hooks{
		OnSweep: func(ctx context.Context, sum service.Summary) { swept = append(swept, sum) },
	})

	sum := f.orch.RunSweep(context.Background(), service.SweepOptions{})

	assert.Equal(t, 2, sum.GroupsProcessed)
	assert.Equal(t, 1, sum.GroupsSkipped)
	assert.Equal(t, 0, sum.GroupsFailed)
	assert.Equal(t, 3, sum.RecordsSynced)
	assert.NotEmpty(t, sum.CorrelationID)
	require.Len(t, swept, 1)

	assert.Equal(t, model.Completed, f.store.Record("a2").ProcessingState)
	assert.Equal(t, "Lamp", f.store.Record("c2").AnalyzedContent.ProductName)
	assert.Equal(t, model.Initialized, f.store.Record("b1").ProcessingState)
	assert.Equal(t, model.Pending, f.store.Record("solo").ProcessingState)
}

func TestRunSweep_ScopedToGroup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{},
		analyzed("a1", "ga", 0, "Widget"),
		testutil.Msg("a2", "ga", time.Minute, model.Pending),
		analyzed("c1", "gc", 0, "Lamp"),
		testutil.Msg("c2", "gc", time.Minute, model.Pending),
	)

	sum := f.orch.RunSweep(context.Background(), service.SweepOptions{GroupID: "gc"})

	assert.Equal(t, 1, sum.GroupsProcessed)
	assert.Equal(t, model.Pending, f.store.Record("a2").ProcessingState)
	assert.Equal(t, model.Completed, f.store.Record("c2").ProcessingState)
}

func TestRunSweep_GroupFailureDoesNotAbortOthers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{},
		analyzed("a1", "ga", 0, "Widget"),
		testutil.Msg("a2", "ga", time.Minute, model.Pending),
		analyzed("c1", "gc", 0, "Lamp"),
		testutil.Msg("c2", "gc", time.Minute, model.Pending),
	)
	f.store.FailIDs(errPermanent, "a1")

	sum := f.orch.RunSweep(context.Background(), service.SweepOptions{})

	assert.Equal(t, 1, sum.GroupsFailed)
	assert.Equal(t, 1, sum.GroupsProcessed)
	assert.Equal(t, model.Completed, f.store.Record("c2").ProcessingState)
	assert.Equal(t, model.Error, f.store.Record("a1").ProcessingState)
}

func TestRunSweep_QueryFailureIsReportedNotReturned(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{}, analyzed("a1", "ga", 0, "Widget"))
	f.store.FailOp(testutil.OpQuery, 10, errPermanent)

	sum := f.orch.RunSweep(context.Background(), service.SweepOptions{})

	assert.Contains(t, sum.Error, "permission denied")
	assert.Zero(t, sum.GroupsProcessed)
}

func TestRunSweep_BoundedRetriesAcrossSweeps(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{},
		completedOriginal("m1", "g1", 0, "Widget"),
		testutil.Msg("m2", "g1", time.Minute, model.Pending),
	)
	f.store.FailIDs(errPermanent, "m2")
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		sum := f.orch.RunSweep(ctx, service.SweepOptions{})
		assert.Equal(t, 1, sum.RecordsFailed, "sweep %d", want)

		m2 := f.store.Record("m2")
		assert.Equal(t, model.Error, m2.ProcessingState)
		assert.Equal(t, want, m2.RetryCount)
	}
	assert.Equal(t, 2, f.audit.Count(audit.SyncRetryRequeued))

	writes := f.store.Writes("m2")
	sum := f.orch.RunSweep(ctx, service.SweepOptions{})

	assert.Equal(t, 1, sum.GroupsSkipped)
	assert.Equal(t, 3, f.store.Record("m2").RetryCount)
	assert.Equal(t, writes, f.store.Writes("m2"))
	assert.Equal(t, 1, f.audit.Count(audit.SyncRetryExhausted))
	assert.Equal(t, model.Completed, f.store.Record("m1").ProcessingState)

	for i := 0; i < 3; i++ {
		sum = f.orch.RunSweep(ctx, service.SweepOptions{})
		assert.Equal(t, 1, sum.GroupsSkipped)
	}
	assert.Equal(t, 1, f.audit.Count(audit.SyncRetryExhausted), "skipped sweeps do not re-audit exhaustion")
}

func TestRunSweep_RecoversTransientSiblingFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{},
		analyzed("m1", "g1", 0, "Widget"),
		testutil.Msg("m2", "g1", time.Minute, model.Pending),
		testutil.Msg("m3", "g1", 2*time.Minute, model.Pending),
	)
	f.store.FailIDs(errNetwork, "m2")
	ctx := context.Background()

	res, err := f.orch.HandleEvent(ctx, service.Event{MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, model.PartialSuccess, res.Outcome)

	m2 := f.store.Record("m2")
	assert.Equal(t, model.Error, m2.ProcessingState)
	assert.Equal(t, 1, m2.RetryCount)
	assert.Equal(t, model.Completed, f.store.Record("m3").ProcessingState)

	f.store.ClearFaults()
	sum := f.orch.RunSweep(ctx, service.SweepOptions{})

	assert.Equal(t, 1, sum.GroupsProcessed)
	assert.Equal(t, 1, sum.RecordsRequeued)
	m2 = f.store.Record("m2")
	assert.Equal(t, model.Completed, m2.ProcessingState)
	assert.Equal(t, 0, m2.RetryCount)
	assert.True(t, m2.AnalyzedContent.Equal(f.store.Record("m1").AnalyzedContent))
	assert.Zero(t, f.audit.Count(audit.SyncRetryExhausted))
}

func TestRunSweep_RequeuesAndRecovers(t *testing.T) {
	t.Parallel()

	failed := testutil.Msg("m2", "g1", time.Minute, model.Error)
	failed.RetryCount = 2
	f := newFixture(t, fixtureOpts{},
		completedOriginal("m1", "g1", 0, "Widget"),
		failed,
	)

	sum := f.orch.RunSweep(context.Background(), service.SweepOptions{})

	assert.Equal(t, 1, sum.RecordsRequeued)
	assert.Equal(t, 1, sum.RecordsSynced)
	m2 := f.store.Record("m2")
	assert.Equal(t, model.Completed, m2.ProcessingState)
	assert.Equal(t, 0, m2.RetryCount)
	assert.True(t, m2.GroupCaptionSynced)
}

func TestRunScheduledSweep_AdvancesCursor(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{},
		analyzed("m1", "g1", 0, "Widget"),
		testutil.Msg("m2", "g1", time.Minute, model.Pending),
	)
	ctx := context.Background()

	firstStart := f.clock.Now()
	sum := f.orch.RunScheduledSweep(ctx)
	assert.Equal(t, 1, sum.GroupsProcessed)

	cursor, err := f.store.LoadCursor(ctx, "group_sweep")
	require.NoError(t, err)
	assert.Equal(t, firstStart, cursor)

	// Records untouched since well before the watermark are not revisited.
	f.clock.Advance(10 * time.Minute)
	f.store.Put(analyzed("n1", "g2", 0, "Lamp"))
	f.store.Put(testutil.Msg("n2", "g2", time.Minute, model.Pending))

	sum = f.orch.RunScheduledSweep(ctx)
	assert.Zero(t, sum.GroupsProcessed)
	assert.Equal(t, model.Pending, f.store.Record("n2").ProcessingState)

	fresh := analyzed("n1", "g2", 0, "Lamp")
	fresh.UpdatedAt = f.clock.Now()
	f.store.Put(fresh)

	sum = f.orch.RunScheduledSweep(ctx)
	assert.Equal(t, 1, sum.GroupsProcessed)
	assert.Equal(t, model.Completed, f.store.Record("n2").ProcessingState)
}

func TestRunScheduledSweep_KeepsCursorOnFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{},
		analyzed("m1", "g1", 0, "Widget"),
		testutil.Msg("m2", "g1", time.Minute, model.Pending),
	)
	f.store.FailIDs(errPermanent, "m1")
	ctx := context.Background()

	sum := f.orch.RunScheduledSweep(ctx)
	assert.Equal(t, 1, sum.GroupsFailed)

	cursor, err := f.store.LoadCursor(ctx, "group_sweep")
	require.NoError(t, err)
	assert.True(t, cursor.IsZero())
}
