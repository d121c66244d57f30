package testutil

import (
	"sync"
	"time"

	"github.com/LeventeLantos/mediasync/internal/model"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Epoch is the base timestamp used by fixtures.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Msg builds a grouped record in the given state created at Epoch+offset.
func Msg(id, group string, offset time.Duration, state model.ProcessingState) model.Message {
	m := model.Message{
		ID:              id,
		ProcessingState: state,
		CreatedAt:       Epoch.Add(offset),
		UpdatedAt:       Epoch.Add(offset),
	}
	if group != "" {
		g := group
		m.MediaGroupID = &g
	}
	return m
}

// WithCaption returns m with caption set.
func WithCaption(m model.Message, caption string) model.Message {
	c := caption
	m.Caption = &c
	return m
}

// WithContent returns m carrying content derived from name.
func WithContent(m model.Message, name string) model.Message {
	m.AnalyzedContent = Content(name)
	return m
}

// Content is a deterministic analyzed payload keyed by product name.
func Content(name string) *model.AnalyzedContent {
	qty := 5
	return &model.AnalyzedContent{
		ProductName: name,
		ProductCode: "AB1234",
		VendorUID:   "AB",
		Quantity:    &qty,
		Caption:     name + " #AB1234 x5",
		Parsing: model.ParsingMetadata{
			Method:     model.MethodManual,
			Confidence: 0.75,
			ParsedAt:   Epoch,
		},
	}
}
