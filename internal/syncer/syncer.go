// Package syncer propagates a media group's authoritative analyzed content
// to every sibling record and advances their processing state.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/mediasync/internal/audit"
	"github.com/LeventeLantos/mediasync/internal/model"
	"github.com/LeventeLantos/mediasync/internal/repo"
	"github.com/LeventeLantos/mediasync/internal/retry"
)

const (
	defaultMaxRetries   = 3
	defaultStoreTimeout = 8 * time.Second
)

var (
	ErrMissingAnalyzedContent = errors.New("source record has no analyzed content")
	ErrSourceNotInGroup       = errors.New("source record is not part of the media group")
)

type Options struct {
	// MaxRetries caps retry_count on records that fail to sync.
	MaxRetries   int
	StoreTimeout time.Duration
}

// Result describes one SyncGroup run.
type Result struct {
	GroupID     string                `json:"media_group_id"`
	RequestedID string                `json:"requested_id"`
	SourceID    string                `json:"source_id"`
	Superseded  bool                  `json:"superseded"`
	Updated     []string              `json:"updated"`
	Unchanged   []string              `json:"unchanged"`
	Skipped     []string              `json:"skipped,omitempty"`
	Failed      []string              `json:"failed,omitempty"`
	Outcome     model.ProcessingState `json:"outcome"`
}

type Option func(*syncOptions)

type syncOptions struct {
	skipExhausted bool
}

// SkipExhausted leaves siblings that are in error at the retry bound alone.
func SkipExhausted() Option {
	return func(o *syncOptions) { o.skipExhausted = true }
}

type Machine struct {
	store   repo.RecordStore
	retrier *retry.Retrier
	audit   audit.Sink
	logger  *zerolog.Logger

	maxRetries   int
	storeTimeout time.Duration
	now          func() time.Time
}

func New(store repo.RecordStore, retrier *retry.Retrier, sink audit.Sink, opts Options, logger *zerolog.Logger) *Machine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if retrier == nil {
		retrier = retry.New(retry.DefaultPolicy(), logger)
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Machine{
		store:        store,
		retrier:      retrier,
		audit:        sink,
		logger:       logger,
		maxRetries:   opts.MaxRetries,
		storeTimeout: opts.StoreTimeout,
		now:          time.Now,
	}
}

func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

func (m *Machine) MaxRetries() int {
	return m.maxRetries
}

// Authoritative returns the record whose content the group converges on: the
// earliest created among those with analyzed content, lowest id on ties.
func Authoritative(records []model.Message) (model.Message, bool) {
	var (
		best  model.Message
		found bool
	)
	for _, r := range records {
		if !r.HasContent() {
			continue
		}
		if !found || r.Before(best) {
			best = r
			found = true
		}
	}
	return best, found
}

// SyncGroup copies the group's authoritative content onto every sibling,
// then marks the authoritative record as the original. Sibling failures are
// recorded on the sibling and reported as partial_success; they never stop
// the authoritative record's own transition.
func (m *Machine) SyncGroup(ctx context.Context, sourceID, groupID, correlationID string, opts ...Option) (Result, error) {
	var o syncOptions
	for _, opt := range opts {
		opt(&o)
	}

	res := Result{GroupID: groupID, RequestedID: sourceID}
	log := m.logger.With().
		Str("media_group_id", groupID).
		Str("source_id", sourceID).
		Str("correlation_id", correlationID).
		Logger()

	if groupID == "" {
		return res, fmt.Errorf("%w: empty media group id", ErrSourceNotInGroup)
	}

	records, err := retry.Value(ctx, m.retrier, "load_group", func(ctx context.Context) ([]model.Message, error) {
		var out []model.Message
		err := retry.WithTimeout(ctx, m.storeTimeout, func(ctx context.Context) error {
			var err error
			out, err = m.store.Query(ctx, repo.Filter{MediaGroupID: groupID})
			return err
		})
		return out, err
	})
	if err != nil {
		m.audit.Append(ctx, audit.Event{
			Type:          audit.SyncFailed,
			EntityID:      groupID,
			CorrelationID: correlationID,
			Metadata:      map[string]any{"stage": "load_group", "error": err.Error()},
		})
		return res, fmt.Errorf("load group %s: %w", groupID, err)
	}

	source, ok := find(records, sourceID)
	if !ok {
		return res, m.skip(ctx, log, res, correlationID, ErrSourceNotInGroup)
	}
	if !source.HasContent() {
		return res, m.skip(ctx, log, res, correlationID, ErrMissingAnalyzedContent)
	}

	auth, _ := Authoritative(records)
	res.SourceID = auth.ID

	m.audit.Append(ctx, audit.Event{
		Type:          audit.SyncStarted,
		EntityID:      groupID,
		CorrelationID: correlationID,
		Metadata: map[string]any{
			"requested_id": sourceID,
			"source_id":    auth.ID,
			"records":      len(records),
		},
	})

	if auth.ID != sourceID {
		res.Superseded = true
		log.Info().Str("authoritative_id", auth.ID).Msg("earlier analyzed record takes precedence")
		m.audit.Append(ctx, audit.Event{
			Type:          audit.SyncSourceSuperseded,
			EntityID:      sourceID,
			CorrelationID: correlationID,
			Metadata:      map[string]any{"media_group_id": groupID, "authoritative_id": auth.ID},
		})
	}

	now := m.now().UTC()
	var pending []model.Message
	for _, r := range records {
		switch {
		case r.ID == auth.ID:
			continue
		case inSync(r, auth.AnalyzedContent):
			res.Unchanged = append(res.Unchanged, r.ID)
		case o.skipExhausted && m.exhausted(r):
			res.Skipped = append(res.Skipped, r.ID)
		default:
			pending = append(pending, r)
		}
	}

	if len(pending) > 0 {
		updated, failed := m.syncSiblings(ctx, log, groupID, correlationID, pending, siblingPatch(auth.AnalyzedContent, now), now)
		res.Updated = append(res.Updated, updated...)
		res.Failed = append(res.Failed, failed...)
	}

	if isOriginal(auth) {
		res.Unchanged = append(res.Unchanged, auth.ID)
	} else {
		attempts, err := m.retrier.Run(ctx, "sync_source", func(ctx context.Context) error {
			return m.updateOne(ctx, auth.ID, sourcePatch(now))
		})
		if err != nil {
			m.markFailed(ctx, log, auth, attempts, err, now, correlationID)
			res.Failed = append(res.Failed, auth.ID)
			res.Outcome = model.Error
			m.audit.Append(ctx, audit.Event{
				Type:          audit.SyncFailed,
				EntityID:      groupID,
				CorrelationID: correlationID,
				Metadata:      map[string]any{"stage": "source", "source_id": auth.ID, "error": err.Error()},
			})
			return res, fmt.Errorf("update source %s: %w", auth.ID, err)
		}
		res.Updated = append(res.Updated, auth.ID)
	}

	event := audit.SyncCompleted
	res.Outcome = model.Completed
	if len(res.Failed) > 0 {
		event = audit.SyncPartialSuccess
		res.Outcome = model.PartialSuccess
	}
	m.audit.Append(ctx, audit.Event{
		Type:          event,
		EntityID:      groupID,
		CorrelationID: correlationID,
		Metadata: map[string]any{
			"source_id": auth.ID,
			"updated":   len(res.Updated),
			"unchanged": len(res.Unchanged),
			"skipped":   len(res.Skipped),
			"failed":    len(res.Failed),
		},
	})
	log.Info().
		Str("outcome", string(res.Outcome)).
		Int("updated", len(res.Updated)).
		Int("unchanged", len(res.Unchanged)).
		Int("failed", len(res.Failed)).
		Msg("media group synced")

	return res, nil
}

// syncSiblings writes the patch in one batched update and falls back to
// per-record updates when the batch keeps failing.
func (m *Machine) syncSiblings(
	ctx context.Context,
	log zerolog.Logger,
	groupID, correlationID string,
	siblings []model.Message,
	patch repo.Patch,
	now time.Time,
) (updated, failed []string) {
	ids := make([]string, len(siblings))
	for i, s := range siblings {
		ids[i] = s.ID
	}

	var count int64
	err := m.retrier.Do(ctx, "sync_siblings", func(ctx context.Context) error {
		return retry.WithTimeout(ctx, m.storeTimeout, func(ctx context.Context) error {
			var err error
			count, err = m.store.UpdateMany(ctx, repo.Filter{MediaGroupID: groupID, IDs: ids}, patch)
			return err
		})
	})
	if err == nil {
		if count != int64(len(ids)) {
			log.Warn().Int64("affected", count).Int("expected", len(ids)).Msg("sibling update touched fewer rows than expected")
		}
		return ids, nil
	}

	log.Warn().Err(err).Int("siblings", len(ids)).Msg("batched sibling update failed, isolating records")

	for _, s := range siblings {
		attempts, err := m.retrier.Run(ctx, "sync_sibling", func(ctx context.Context) error {
			return m.updateOne(ctx, s.ID, patch)
		})
		if err != nil {
			m.markFailed(ctx, log, s, attempts, err, now, correlationID)
			failed = append(failed, s.ID)
			continue
		}
		updated = append(updated, s.ID)
	}
	return updated, failed
}

// markFailed moves r to error and charges one retry to its budget, however
// many in-call attempts the failed run spent. It runs even when ctx is
// already cancelled.
func (m *Machine) markFailed(ctx context.Context, log zerolog.Logger, r model.Message, attempts int, cause error, now time.Time, correlationID string) {
	count := NextRetryCount(r.RetryCount, m.maxRetries)
	reachedBound := count >= m.maxRetries && r.RetryCount < m.maxRetries
	state := model.Error
	msg := cause.Error()
	patch := repo.Patch{
		ProcessingState: &state,
		ErrorMessage:    &msg,
		LastErrorAt:     &now,
		RetryCount:      &count,
	}

	meta := map[string]any{
		"media_group_id": r.GroupID(),
		"error":          msg,
		"attempts":       attempts,
		"retry_count":    count,
		"exhausted":      count >= m.maxRetries,
	}

	err := m.retrier.Do(context.WithoutCancel(ctx), "mark_error", func(ctx context.Context) error {
		return m.updateOne(ctx, r.ID, patch)
	})
	if err != nil {
		log.Error().Err(err).Str("message_id", r.ID).Msg("could not record sync failure")
		meta["mark_error"] = err.Error()
	}

	log.Warn().Err(cause).Str("message_id", r.ID).Int("retry_count", count).Msg("record sync failed")
	m.audit.Append(ctx, audit.Event{
		Type:          audit.SyncRecordFailed,
		EntityID:      r.ID,
		CorrelationID: correlationID,
		Metadata:      meta,
	})
	if reachedBound {
		m.audit.Append(ctx, audit.Event{
			Type:          audit.SyncRetryExhausted,
			EntityID:      r.ID,
			CorrelationID: correlationID,
			Metadata:      map[string]any{"media_group_id": r.GroupID(), "retry_count": count},
		})
	}
}

// NextRetryCount is the retry_count after one more failed run, capped at bound.
func NextRetryCount(prev, bound int) int {
	if prev+1 > bound {
		return bound
	}
	return prev + 1
}

func (m *Machine) skip(ctx context.Context, log zerolog.Logger, res Result, correlationID string, cause error) error {
	log.Info().Err(cause).Msg("sync skipped")
	m.audit.Append(ctx, audit.Event{
		Type:          audit.SyncSkipped,
		EntityID:      res.GroupID,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"requested_id": res.RequestedID, "reason": cause.Error()},
	})
	return fmt.Errorf("sync group %s from %s: %w", res.GroupID, res.RequestedID, cause)
}

func (m *Machine) updateOne(ctx context.Context, id string, p repo.Patch) error {
	return retry.WithTimeout(ctx, m.storeTimeout, func(ctx context.Context) error {
		_, err := m.store.UpdateOne(ctx, id, p)
		return err
	})
}

func (m *Machine) exhausted(r model.Message) bool {
	return r.ProcessingState == model.Error && r.RetryCount >= m.maxRetries
}

func inSync(r model.Message, content *model.AnalyzedContent) bool {
	return r.ProcessingState == model.Completed &&
		r.GroupCaptionSynced &&
		!r.IsOriginalCaption &&
		r.AnalyzedContent.Equal(content)
}

func isOriginal(r model.Message) bool {
	return r.ProcessingState == model.Completed && r.IsOriginalCaption && r.GroupCaptionSynced
}

func find(records []model.Message, id string) (model.Message, bool) {
	for _, r := range records {
		if r.ID == id {
			return r, true
		}
	}
	return model.Message{}, false
}

func siblingPatch(content *model.AnalyzedContent, now time.Time) repo.Patch {
	completed := model.Completed
	original := false
	synced := true
	zero := 0
	return repo.Patch{
		AnalyzedContent:       content.Clone(),
		IsOriginalCaption:     &original,
		GroupCaptionSynced:    &synced,
		ProcessingState:       &completed,
		ProcessingCompletedAt: &now,
		ClearError:            true,
		RetryCount:            &zero,
	}
}

func sourcePatch(now time.Time) repo.Patch {
	completed := model.Completed
	original := true
	synced := true
	zero := 0
	return repo.Patch{
		IsOriginalCaption:     &original,
		GroupCaptionSynced:    &synced,
		ProcessingState:       &completed,
		ProcessingCompletedAt: &now,
		ClearError:            true,
		RetryCount:            &zero,
	}
}
