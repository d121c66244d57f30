package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/mediasync/internal/audit"
	"github.com/LeventeLantos/mediasync/internal/model"
	"github.com/LeventeLantos/mediasync/internal/repo"
	"github.com/LeventeLantos/mediasync/internal/retry"
	"github.com/LeventeLantos/mediasync/internal/syncer"
)

const sweepCursor = "group_sweep"

type SweepOptions struct {
	// GroupID scopes the sweep to one media group.
	GroupID string
	// Since limits candidates to records updated at or after it.
	Since time.Time
}

type Summary struct {
	CorrelationID   string        `json:"correlation_id"`
	GroupsProcessed int           `json:"groups_processed"`
	GroupsSkipped   int           `json:"groups_skipped"`
	GroupsFailed    int           `json:"groups_failed"`
	RecordsSynced   int           `json:"records_synced"`
	RecordsFailed   int           `json:"records_failed"`
	RecordsRequeued int           `json:"records_requeued"`
	Truncated       bool          `json:"truncated,omitempty"`
	Error           string        `json:"error,omitempty"`
	Duration        time.Duration `json:"duration"`
}

type groupOutcome int

const (
	groupProcessed groupOutcome = iota
	groupSkipped
	groupFailed
)

type groupReport struct {
	outcome  groupOutcome
	synced   int
	failed   int
	requeued int
}

// RunSweep finds groups with records still needing work and syncs each one.
// It never fails as a whole: a group's error is counted and logged, and the
// remaining groups carry on.
func (o *Orchestrator) RunSweep(ctx context.Context, opts SweepOptions) Summary {
	start := o.now()
	sum := Summary{CorrelationID: uuid.NewString()}
	log := o.logger.With().Str("correlation_id", sum.CorrelationID).Logger()

	filter := repo.Filter{
		MediaGroupID: opts.GroupID,
		HasGroup:     true,
		States:       model.SweepStates,
		Limit:        o.opts.BatchLimit,
	}
	if !opts.Since.IsZero() {
		since := opts.Since
		filter.UpdatedSince = &since
	}

	candidates, err := o.query(ctx, "sweep_candidates", filter)
	if err != nil {
		log.Error().Err(err).Msg("sweep query failed")
		sum.Error = err.Error()
		return o.finishSweep(ctx, sum, start)
	}
	sum.Truncated = len(candidates) >= o.opts.BatchLimit

	var order []string
	groups := make(map[string][]model.Message)
	for _, c := range candidates {
		id := c.GroupID()
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], c)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(o.opts.Concurrency)

	correlationID := sum.CorrelationID
	for _, groupID := range order {
		g.Go(func() error {
			r := o.sweepGroupSafe(ctx, groupID, groups[groupID], correlationID)

			mu.Lock()
			defer mu.Unlock()
			switch r.outcome {
			case groupProcessed:
				sum.GroupsProcessed++
			case groupSkipped:
				sum.GroupsSkipped++
			case groupFailed:
				sum.GroupsFailed++
			}
			sum.RecordsSynced += r.synced
			sum.RecordsFailed += r.failed
			sum.RecordsRequeued += r.requeued
			return nil
		})
	}
	_ = g.Wait()

	return o.finishSweep(ctx, sum, start)
}

func (o *Orchestrator) finishSweep(ctx context.Context, sum Summary, start time.Time) Summary {
	sum.Duration = o.now().Sub(start)
	o.logger.Info().
		Str("correlation_id", sum.CorrelationID).
		Int("groups_processed", sum.GroupsProcessed).
		Int("groups_skipped", sum.GroupsSkipped).
		Int("groups_failed", sum.GroupsFailed).
		Int("records_synced", sum.RecordsSynced).
		Int("records_failed", sum.RecordsFailed).
		Dur("duration", sum.Duration).
		Msg("sweep finished")
	if o.hooks.OnSweep != nil {
		o.hooks.OnSweep(ctx, sum)
	}
	return sum
}

func (o *Orchestrator) sweepGroupSafe(ctx context.Context, groupID string, candidates []model.Message, correlationID string) (r groupReport) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error().Interface("panic", p).Str("media_group_id", groupID).Msg("sweep group panic recovered")
			r = groupReport{outcome: groupFailed}
		}
	}()
	return o.sweepGroup(ctx, groupID, candidates, correlationID)
}

func (o *Orchestrator) sweepGroup(ctx context.Context, groupID string, candidates []model.Message, correlationID string) groupReport {
	log := o.logger.With().Str("media_group_id", groupID).Str("correlation_id", correlationID).Logger()

	// Candidates only cover unfinished records; the representative may
	// already be completed.
	members, err := o.Group(ctx, groupID)
	if err != nil {
		log.Error().Err(err).Msg("load group failed")
		return groupReport{outcome: groupFailed}
	}

	rep, ok := syncer.Authoritative(members)
	if !ok {
		log.Debug().Msg("group has no analyzed record yet")
		return groupReport{outcome: groupSkipped}
	}

	maxRetries := o.syncer.MaxRetries()
	var requeue []model.Message
	exhausted := 0
	for _, c := range candidates {
		if c.ProcessingState != model.Error {
			continue
		}
		if model.CanTransition(model.Error, model.Pending, c.RetryCount, maxRetries) {
			requeue = append(requeue, c)
		} else {
			exhausted++
		}
	}

	// Exhaustion is audited once, by the run that reached the bound.
	if exhausted == len(candidates) {
		log.Debug().Int("records", exhausted).Msg("only permanently failed records left, skipping group")
		return groupReport{outcome: groupSkipped}
	}

	var report groupReport
	if len(requeue) > 0 {
		report.requeued = o.requeue(ctx, log, groupID, requeue, correlationID)
	}

	res, err := o.exclusive(ctx, groupID, func(ctx context.Context) (syncer.Result, error) {
		return o.syncGroup(ctx, rep.ID, groupID, correlationID, syncer.SkipExhausted())
	})
	switch {
	case isPrecondition(err):
		log.Debug().Err(err).Msg("group skipped")
		report.outcome = groupSkipped
		return report
	case err != nil:
		log.Error().Err(err).Msg("group sync failed")
		report.outcome = groupFailed
		report.failed = len(res.Failed)
		return report
	}

	report.outcome = groupProcessed
	report.synced = len(res.Updated)
	report.failed = len(res.Failed)
	return report
}

// requeue moves error records under the retry bound back to pending.
func (o *Orchestrator) requeue(ctx context.Context, log zerolog.Logger, groupID string, records []model.Message, correlationID string) int {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}

	pending := model.Pending
	var n int64
	err := o.retrier.Do(ctx, "requeue_errors", func(ctx context.Context) error {
		return retry.WithTimeout(ctx, o.opts.StoreTimeout, func(ctx context.Context) error {
			var err error
			n, err = o.store.UpdateMany(ctx, repo.Filter{
				MediaGroupID: groupID,
				IDs:          ids,
				States:       []model.ProcessingState{model.Error},
			}, repo.Patch{ProcessingState: &pending})
			return err
		})
	})
	if err != nil {
		log.Warn().Err(err).Strs("message_ids", ids).Msg("requeue failed")
		return 0
	}

	for _, r := range records {
		o.audit.Append(ctx, audit.Event{
			Type:          audit.SyncRetryRequeued,
			EntityID:      r.ID,
			CorrelationID: correlationID,
			Metadata:      map[string]any{"media_group_id": groupID, "retry_count": r.RetryCount},
		})
	}
	return int(n)
}

// RunScheduledSweep sweeps records touched since the persisted watermark and
// advances it when the sweep saw every candidate without a group failure.
func (o *Orchestrator) RunScheduledSweep(ctx context.Context) Summary {
	start := o.now()

	var opts SweepOptions
	if o.cursors != nil {
		cursor, err := o.cursors.LoadCursor(ctx, sweepCursor)
		if err != nil {
			o.logger.Warn().Err(err).Msg("load sweep cursor failed, running full sweep")
		} else if !cursor.IsZero() {
			opts.Since = cursor.Add(-o.opts.Overlap)
		}
	}

	sum := o.RunSweep(ctx, opts)

	if o.cursors == nil || sum.Error != "" || sum.GroupsFailed > 0 || sum.Truncated || ctx.Err() != nil {
		return sum
	}
	if err := o.cursors.SaveCursor(ctx, sweepCursor, start); err != nil {
		o.logger.Warn().Err(fmt.Errorf("save sweep cursor: %w", err)).Msg("sweep watermark not advanced")
	}
	return sum
}
