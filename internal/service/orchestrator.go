package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/LeventeLantos/mediasync/internal/analyzer"
	"github.com/LeventeLantos/mediasync/internal/audit"
	"github.com/LeventeLantos/mediasync/internal/inflight"
	"github.com/LeventeLantos/mediasync/internal/model"
	"github.com/LeventeLantos/mediasync/internal/notify"
	"github.com/LeventeLantos/mediasync/internal/repo"
	"github.com/LeventeLantos/mediasync/internal/retry"
	"github.com/LeventeLantos/mediasync/internal/syncer"
)

const (
	defaultBatchLimit   = 1000
	defaultConcurrency  = 4
	defaultOverlap      = 2 * time.Minute
	defaultStoreTimeout = 8 * time.Second
	defaultSyncTimeout  = time.Minute
)

var (
	ErrSyncInProgress = errors.New("sync already in progress for media group")
	ErrNotGrouped     = errors.New("message has no media group")
)

type GroupSyncer interface {
	SyncGroup(ctx context.Context, sourceID, groupID, correlationID string, opts ...syncer.Option) (syncer.Result, error)
	MaxRetries() int
}

// Event is an analysis-completed trigger for one record.
type Event struct {
	MessageID     string `json:"message_id"`
	MediaGroupID  string `json:"media_group_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type Deps struct {
	Store    repo.RecordStore
	Cursors  repo.CursorStore
	Syncer   GroupSyncer
	Analyzer analyzer.Analyzer
	Marker   inflight.Marker
	Notifier notify.Notifier
	Audit    audit.Sink
	Retrier  *retry.Retrier
	Logger   *zerolog.Logger
}

type Options struct {
	BatchLimit   int
	Concurrency  int
	Overlap      time.Duration
	StoreTimeout time.Duration
	// SyncTimeout bounds one shared group sync, which outlives the caller
	// that started it.
	SyncTimeout time.Duration
}

type Hooks struct {
	OnSynced func(ctx context.Context, res syncer.Result)
	OnFailed func(ctx context.Context, groupID string, err error)
	OnSweep  func(ctx context.Context, sum Summary)
}

type Orchestrator struct {
	store    repo.RecordStore
	cursors  repo.CursorStore
	syncer   GroupSyncer
	analyzer analyzer.Analyzer
	marker   inflight.Marker
	notifier notify.Notifier
	audit    audit.Sink
	retrier  *retry.Retrier
	logger   *zerolog.Logger

	opts   Options
	hooks  Hooks
	flight singleflight.Group
	now    func() time.Time
}

func New(d Deps, opts Options) *Orchestrator {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = defaultBatchLimit
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Overlap < 0 {
		opts.Overlap = defaultOverlap
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}
	if d.Logger == nil {
		nop := zerolog.Nop()
		d.Logger = &nop
	}
	if d.Retrier == nil {
		d.Retrier = retry.New(retry.DefaultPolicy(), d.Logger)
	}
	if d.Marker == nil {
		d.Marker = inflight.NoopMarker{}
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	return &Orchestrator{
		store:    d.Store,
		cursors:  d.Cursors,
		syncer:   d.Syncer,
		analyzer: d.Analyzer,
		marker:   d.Marker,
		notifier: d.Notifier,
		audit:    d.Audit,
		retrier:  d.Retrier,
		logger:   d.Logger,
		opts:     opts,
		now:      time.Now,
	}
}

func (o *Orchestrator) WithHooks(h Hooks) *Orchestrator {
	o.hooks = h
	return o
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// HandleEvent syncs the group of a record whose analysis just completed.
// Concurrent events for one group in this process share a single run; a run
// held by another instance yields ErrSyncInProgress.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) (syncer.Result, error) {
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}
	if ev.MediaGroupID == "" {
		msg, err := o.get(ctx, ev.MessageID)
		if err != nil {
			return syncer.Result{}, err
		}
		if msg.GroupID() == "" {
			return syncer.Result{}, fmt.Errorf("%w: %s", ErrNotGrouped, ev.MessageID)
		}
		ev.MediaGroupID = msg.GroupID()
	}

	return o.exclusive(ctx, ev.MediaGroupID, func(ctx context.Context) (syncer.Result, error) {
		return o.syncGroup(ctx, ev.MessageID, ev.MediaGroupID, ev.CorrelationID)
	})
}

func (o *Orchestrator) exclusive(ctx context.Context, groupID string, fn func(ctx context.Context) (syncer.Result, error)) (syncer.Result, error) {
	v, err, shared := o.flight.Do(groupID, func() (any, error) {
		// Joiners wait on this run too, so it must not die with the first caller.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.SyncTimeout)
		defer cancel()

		release, ok, err := o.marker.TryAcquire(ctx, groupID)
		if err != nil {
			o.logger.Warn().Err(err).Str("media_group_id", groupID).Msg("in-progress marker unavailable, syncing anyway")
			ok = true
		}
		if !ok {
			o.logger.Debug().Str("media_group_id", groupID).Msg("sync already running elsewhere")
			return syncer.Result{}, ErrSyncInProgress
		}
		defer release()
		return fn(ctx)
	})
	if shared {
		o.logger.Debug().Str("media_group_id", groupID).Msg("joined in-flight sync")
	}
	res, _ := v.(syncer.Result)
	return res, err
}

func (o *Orchestrator) syncGroup(ctx context.Context, sourceID, groupID, correlationID string, opts ...syncer.Option) (syncer.Result, error) {
	res, err := o.syncer.SyncGroup(ctx, sourceID, groupID, correlationID, opts...)
	if err != nil {
		if o.hooks.OnFailed != nil && !isPrecondition(err) {
			o.hooks.OnFailed(ctx, groupID, err)
		}
		return res, err
	}

	if o.hooks.OnSynced != nil {
		o.hooks.OnSynced(ctx, res)
	}
	if len(res.Updated) > 0 {
		o.notifySynced(ctx, res, correlationID)
	}
	return res, nil
}

func (o *Orchestrator) notifySynced(ctx context.Context, res syncer.Result, correlationID string) {
	n := notify.GroupSynced{
		MediaGroupID:  res.GroupID,
		SourceID:      res.SourceID,
		Outcome:       string(res.Outcome),
		Updated:       res.Updated,
		Failed:        res.Failed,
		CorrelationID: correlationID,
		SyncedAt:      o.now().UTC(),
	}
	if err := o.retrier.Do(ctx, "notify_group_synced", func(ctx context.Context) error {
		return o.notifier.NotifyGroupSynced(ctx, n)
	}); err != nil {
		o.logger.Warn().
			Err(err).
			Str("media_group_id", res.GroupID).
			Str("correlation_id", correlationID).
			Msg("group synced notification failed")
	}
}

// Group returns every record of a media group in arrival order.
func (o *Orchestrator) Group(ctx context.Context, groupID string) ([]model.Message, error) {
	return o.query(ctx, "load_group", repo.Filter{MediaGroupID: groupID})
}

// Errors lists records parked in the error state.
func (o *Orchestrator) Errors(ctx context.Context, limit, offset int) ([]model.Message, error) {
	return o.query(ctx, "list_errors", repo.Filter{
		States: []model.ProcessingState{model.Error},
		Limit:  limit,
		Offset: offset,
	})
}

func (o *Orchestrator) get(ctx context.Context, id string) (model.Message, error) {
	return retry.Value(ctx, o.retrier, "get_message", func(ctx context.Context) (model.Message, error) {
		var m model.Message
		err := retry.WithTimeout(ctx, o.opts.StoreTimeout, func(ctx context.Context) error {
			var err error
			m, err = o.store.Get(ctx, id)
			return err
		})
		return m, err
	})
}

func (o *Orchestrator) query(ctx context.Context, op string, f repo.Filter) ([]model.Message, error) {
	return retry.Value(ctx, o.retrier, op, func(ctx context.Context) ([]model.Message, error) {
		var out []model.Message
		err := retry.WithTimeout(ctx, o.opts.StoreTimeout, func(ctx context.Context) error {
			var err error
			out, err = o.store.Query(ctx, f)
			return err
		})
		return out, err
	})
}

func (o *Orchestrator) updateOne(ctx context.Context, op, id string, p repo.Patch) (model.Message, error) {
	return retry.Value(ctx, o.retrier, op, func(ctx context.Context) (model.Message, error) {
		var m model.Message
		err := retry.WithTimeout(ctx, o.opts.StoreTimeout, func(ctx context.Context) error {
			var err error
			m, err = o.store.UpdateOne(ctx, id, p)
			return err
		})
		return m, err
	})
}

func isPrecondition(err error) bool {
	return errors.Is(err, syncer.ErrMissingAnalyzedContent) ||
		errors.Is(err, syncer.ErrSourceNotInGroup) ||
		errors.Is(err, ErrSyncInProgress)
}
