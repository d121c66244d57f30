package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/LeventeLantos/mediasync/internal/analyzer"
	"github.com/LeventeLantos/mediasync/internal/audit"
	"github.com/LeventeLantos/mediasync/internal/model"
	"github.com/LeventeLantos/mediasync/internal/repo"
	"github.com/LeventeLantos/mediasync/internal/syncer"
)

// Analyze runs caption analysis for one record, stores the content, and
// syncs the record's group. Ungrouped records complete directly.
func (o *Orchestrator) Analyze(ctx context.Context, messageID, correlationID string) (model.Message, error) {
	if o.analyzer == nil {
		return model.Message{}, errors.New("no analyzer configured")
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := o.logger.With().Str("message_id", messageID).Str("correlation_id", correlationID).Logger()

	msg, err := o.get(ctx, messageID)
	if err != nil {
		return model.Message{}, err
	}
	if msg.CaptionText() == "" {
		return model.Message{}, fmt.Errorf("analyze %s: %w", messageID, analyzer.ErrEmptyCaption)
	}

	now := o.now().UTC()
	if model.CanTransition(msg.ProcessingState, model.Processing, msg.RetryCount, o.syncer.MaxRetries()) {
		processing := model.Processing
		msg, err = o.updateOne(ctx, "mark_processing", messageID, repo.Patch{
			ProcessingState:     &processing,
			ProcessingStartedAt: &now,
		})
		if err != nil {
			return model.Message{}, err
		}
	}

	var content model.AnalyzedContent
	attempts, err := o.retrier.Run(ctx, "analyze_caption", func(ctx context.Context) error {
		var err error
		content, err = o.analyzer.Analyze(ctx, messageID, msg.CaptionText())
		return err
	})
	if err != nil {
		o.markAnalysisFailed(ctx, msg, attempts, err, correlationID)
		return model.Message{}, fmt.Errorf("analyze %s: %w", messageID, err)
	}

	patch := repo.Patch{AnalyzedContent: &content}
	if msg.GroupID() == "" {
		completed := model.Completed
		original := true
		zero := 0
		done := o.now().UTC()
		patch.IsOriginalCaption = &original
		patch.ProcessingState = &completed
		patch.ProcessingCompletedAt = &done
		patch.ClearError = true
		patch.RetryCount = &zero
	}
	msg, err = o.updateOne(ctx, "store_analysis", messageID, patch)
	if err != nil {
		return model.Message{}, err
	}

	o.audit.Append(ctx, audit.Event{
		Type:          audit.AnalysisCompleted,
		EntityID:      messageID,
		CorrelationID: correlationID,
		Metadata: map[string]any{
			"method":     content.Parsing.Method,
			"confidence": content.Parsing.Confidence,
		},
	})

	if msg.GroupID() == "" {
		return msg, nil
	}

	_, err = o.HandleEvent(ctx, Event{MessageID: messageID, MediaGroupID: msg.GroupID(), CorrelationID: correlationID})
	switch {
	case errors.Is(err, ErrSyncInProgress):
		// The running sync may predate this content; the next sweep picks
		// the record up since it is still processing.
		log.Info().Msg("group sync already running, leaving record for the sweep")
	case err != nil:
		log.Warn().Err(err).Msg("group sync after analysis failed")
	}

	return o.get(ctx, messageID)
}

func (o *Orchestrator) markAnalysisFailed(ctx context.Context, msg model.Message, attempts int, cause error, correlationID string) {
	count := syncer.NextRetryCount(msg.RetryCount, o.syncer.MaxRetries())
	state := model.Error
	errMsg := cause.Error()
	now := o.now().UTC()

	if _, err := o.updateOne(context.WithoutCancel(ctx), "mark_error", msg.ID, repo.Patch{
		ProcessingState: &state,
		ErrorMessage:    &errMsg,
		LastErrorAt:     &now,
		RetryCount:      &count,
	}); err != nil {
		o.logger.Error().Err(err).Str("message_id", msg.ID).Msg("could not record analysis failure")
	}

	o.audit.Append(ctx, audit.Event{
		Type:          audit.AnalysisFailed,
		EntityID:      msg.ID,
		CorrelationID: correlationID,
		Metadata:      map[string]any{"error": errMsg, "attempts": attempts, "retry_count": count},
	})
}
