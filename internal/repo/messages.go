package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/mediasync/internal/model"
)

var ErrNotFound = errors.New("record not found")

// RecordStore is the message table as seen by the sync core.
type RecordStore interface {
	Get(ctx context.Context, id string) (model.Message, error)
	Query(ctx context.Context, f Filter) ([]model.Message, error)
	UpdateMany(ctx context.Context, f Filter, p Patch) (int64, error)
	UpdateOne(ctx context.Context, id string, p Patch) (model.Message, error)
}

// CursorStore persists named sweep watermarks.
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (time.Time, error)
	SaveCursor(ctx context.Context, name string, at time.Time) error
}

// Filter selects message rows. Empty fields do not constrain the query.
type Filter struct {
	IDs          []string
	MediaGroupID string
	HasGroup     bool
	States       []model.ProcessingState
	UpdatedSince *time.Time
	Limit        int
	Offset       int
}

// Patch lists the columns an update sets. Nil fields are left alone.
type Patch struct {
	AnalyzedContent       *model.AnalyzedContent
	IsOriginalCaption     *bool
	GroupCaptionSynced    *bool
	ProcessingState       *model.ProcessingState
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	LastErrorAt           *time.Time
	ErrorMessage          *string
	ClearError            bool
	RetryCount            *int
}

func (p Patch) Empty() bool {
	return p.AnalyzedContent == nil &&
		p.IsOriginalCaption == nil &&
		p.GroupCaptionSynced == nil &&
		p.ProcessingState == nil &&
		p.ProcessingStartedAt == nil &&
		p.ProcessingCompletedAt == nil &&
		p.LastErrorAt == nil &&
		p.ErrorMessage == nil &&
		!p.ClearError &&
		p.RetryCount == nil
}

// Apply writes the patch onto m the same way the database would.
func (p Patch) Apply(m *model.Message, now time.Time) {
	if p.AnalyzedContent != nil {
		m.AnalyzedContent = p.AnalyzedContent.Clone()
	}
	if p.IsOriginalCaption != nil {
		m.IsOriginalCaption = *p.IsOriginalCaption
	}
	if p.GroupCaptionSynced != nil {
		m.GroupCaptionSynced = *p.GroupCaptionSynced
	}
	if p.ProcessingState != nil {
		m.ProcessingState = *p.ProcessingState
	}
	if p.ProcessingStartedAt != nil {
		t := *p.ProcessingStartedAt
		m.ProcessingStartedAt = &t
	}
	if p.ProcessingCompletedAt != nil {
		t := *p.ProcessingCompletedAt
		m.ProcessingCompletedAt = &t
	}
	if p.LastErrorAt != nil {
		t := *p.LastErrorAt
		m.LastErrorAt = &t
	}
	if p.ClearError {
		m.ErrorMessage = nil
	}
	if p.ErrorMessage != nil {
		s := *p.ErrorMessage
		m.ErrorMessage = &s
	}
	if p.RetryCount != nil {
		m.RetryCount = *p.RetryCount
	}
	m.UpdatedAt = now
}

// Matches reports whether m satisfies f, ignoring Limit and Offset.
func (f Filter) Matches(m model.Message) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, m.ID) {
		return false
	}
	if f.MediaGroupID != "" && m.GroupID() != f.MediaGroupID {
		return false
	}
	if f.HasGroup && m.GroupID() == "" {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if m.ProcessingState == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UpdatedSince != nil && m.UpdatedAt.Before(*f.UpdatedSince) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
