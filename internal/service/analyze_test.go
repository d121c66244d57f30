package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/mediasync/internal/analyzer"
	"github.com/LeventeLantos/mediasync/internal/audit"
	"github.com/LeventeLantos/mediasync/internal/model"
	"github.com/LeventeLantos/mediasync/internal/testutil"
)

type failingAnalyzer struct {
	err   error
	calls int
}

func (a *failingAnalyzer) Analyze(context.Context, string, string) (model.AnalyzedContent, error) {
	a.calls++
	return model.AnalyzedContent{}, a.err
}

func manualParser() analyzer.Analyzer {
	return analyzer.NewManualParser().WithClock(func() time.Time { return testutil.Epoch })
}

func TestAnalyze_GroupedRecordSyncsGroup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{analyzer: manualParser()},
		testutil.WithCaption(testutil.Msg("m1", "g1", 0, model.Pending), "Widget #AB1234 x5"),
		testutil.Msg("m2", "g1", time.Minute, model.Pending),
	)

	got, err := f.orch.Analyze(context.Background(), "m1", "c1")
	require.NoError(t, err)

	require.NotNil(t, got.AnalyzedContent)
	assert.Equal(t, "Widget", got.AnalyzedContent.ProductName)
	assert.Equal(t, "AB", got.AnalyzedContent.VendorUID)
	assert.Equal(t, model.Completed, got.ProcessingState)
	assert.True(t, got.IsOriginalCaption)
	assert.NotNil(t, got.ProcessingStartedAt)

	m2 := f.store.Record("m2")
	assert.Equal(t, model.Completed, m2.ProcessingState)
	assert.True(t, m2.AnalyzedContent.Equal(got.AnalyzedContent))

	assert.Equal(t, 1, f.audit.Count(audit.AnalysisCompleted))
	assert.Equal(t, 1, f.audit.Count(audit.SyncCompleted))
}

func TestAnalyze_UngroupedRecordCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{analyzer: manualParser()},
		testutil.WithCaption(testutil.Msg("solo", "", 0, model.Initialized), "Lamp #XY30523"),
	)

	got, err := f.orch.Analyze(context.Background(), "solo", "")
	require.NoError(t, err)

	assert.Equal(t, model.Completed, got.ProcessingState)
	require.NotNil(t, got.AnalyzedContent)
	require.NotNil(t, got.AnalyzedContent.PurchaseDate)
	assert.Equal(t, "2023-03-05", *got.AnalyzedContent.PurchaseDate)
	assert.Zero(t, f.audit.Count(audit.SyncStarted))
}

func TestAnalyze_FailureMovesRecordToError(t *testing.T) {
	t.Parallel()

	bad := &failingAnalyzer{err: errors.New("model refused")}
	f := newFixture(t, fixtureOpts{analyzer: bad},
		testutil.WithCaption(testutil.Msg("m1", "g1", 0, model.Pending), "Widget"),
	)

	_, err := f.orch.Analyze(context.Background(), "m1", "c1")
	require.ErrorIs(t, err, bad.err)

	assert.Equal(t, 1, bad.calls)
	m1 := f.store.Record("m1")
	assert.Equal(t, model.Error, m1.ProcessingState)
	assert.Equal(t, 1, m1.RetryCount)
	require.NotNil(t, m1.ErrorMessage)
	assert.Equal(t, "model refused", *m1.ErrorMessage)
	assert.Equal(t, 1, f.audit.Count(audit.AnalysisFailed))
}

func TestAnalyze_TransientFailureRetried(t *testing.T) {
	t.Parallel()

	flaky := &failingAnalyzer{err: errors.New("rate limit reached")}
	f := newFixture(t, fixtureOpts{analyzer: flaky},
		testutil.WithCaption(testutil.Msg("m1", "g1", 0, model.Pending), "Widget"),
	)

	_, err := f.orch.Analyze(context.Background(), "m1", "c1")
	require.Error(t, err)

	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 1, f.store.Record("m1").RetryCount)
}

func TestAnalyze_EmptyCaption(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{analyzer: manualParser()},
		testutil.Msg("m1", "g1", 0, model.Pending),
	)

	_, err := f.orch.Analyze(context.Background(), "m1", "c1")
	require.ErrorIs(t, err, analyzer.ErrEmptyCaption)
	assert.Equal(t, model.Pending, f.store.Record("m1").ProcessingState)
	assert.Zero(t, f.store.Writes("m1"))
}
