package model

import "time"

type Message struct {
	ID           string  `json:"id" validate:"required"`
	MediaGroupID *string `json:"media_group_id,omitempty" validate:"omitempty,min=1"`
	Caption      *string `json:"caption,omitempty"`

	AnalyzedContent *AnalyzedContent `json:"analyzed_content,omitempty"`

	IsOriginalCaption  bool `json:"is_original_caption"`
	GroupCaptionSynced bool `json:"group_caption_synced"`

	ProcessingState       ProcessingState `json:"processing_state" validate:"required,processing_state"`
	ProcessingStartedAt   *time.Time      `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time      `json:"processing_completed_at,omitempty"`
	LastErrorAt           *time.Time      `json:"last_error_at,omitempty"`
	ErrorMessage          *string         `json:"error_message,omitempty"`
	RetryCount            int             `json:"retry_count" validate:"gte=0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m Message) GroupID() string {
	if m.MediaGroupID == nil {
		return ""
	}
	return *m.MediaGroupID
}

func (m Message) HasContent() bool {
	return m.AnalyzedContent != nil
}

func (m Message) CaptionText() string {
	if m.Caption == nil {
		return ""
	}
	return *m.Caption
}

// Before orders records by arrival, falling back to id so the order is total.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
