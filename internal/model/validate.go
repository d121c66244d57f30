package model

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("processing_state", func(fl validator.FieldLevel) bool {
			return ProcessingState(fl.Field().String()).Valid()
		})
	})
	return validate
}

// Validate checks a record read from or written to the store.
func (m Message) Validate() error {
	if err := validatorInstance().Struct(m); err != nil {
		return fmt.Errorf("invalid message %s: %w", m.ID, err)
	}
	if m.AnalyzedContent != nil {
		if err := m.AnalyzedContent.Validate(); err != nil {
			return fmt.Errorf("invalid message %s: %w", m.ID, err)
		}
	}
	return nil
}

func (c *AnalyzedContent) Validate() error {
	if c == nil {
		return nil
	}
	if err := validatorInstance().Struct(c); err != nil {
		return fmt.Errorf("invalid analyzed content: %w", err)
	}
	return nil
}
