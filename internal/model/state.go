package model

import (
	"errors"
	"fmt"
)

type ProcessingState string

const (
	Initialized    ProcessingState = "initialized"
	Pending        ProcessingState = "pending"
	Processing     ProcessingState = "processing"
	Completed      ProcessingState = "completed"
	Error          ProcessingState = "error"
	PartialSuccess ProcessingState = "partial_success"
)

var ErrInvalidTransition = errors.New("invalid processing state transition")

// SweepStates are the states a periodic sweep looks at.
var SweepStates = []ProcessingState{Initialized, Pending, Error, Processing}

func (s ProcessingState) Valid() bool {
	switch s {
	case Initialized, Pending, Processing, Completed, Error, PartialSuccess:
		return true
	}
	return false
}

func ParseProcessingState(raw string) (ProcessingState, error) {
	s := ProcessingState(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown processing state %q", raw)
	}
	return s, nil
}

var forward = map[ProcessingState][]ProcessingState{
	Initialized:    {Pending, Processing, Completed, Error},
	Pending:        {Processing, Completed, Error},
	Processing:     {Completed, Error, PartialSuccess},
	PartialSuccess: {Completed, Error},
	Completed:      {Completed, Error},
	Error:          {Completed, Error},
}

// CanTransition reports whether a record may move from one state to another.
// error -> pending is the only backwards move and is bounded by maxRetries.
func CanTransition(from, to ProcessingState, retryCount, maxRetries int) bool {
	if from == Error && to == Pending {
		return retryCount < maxRetries
	}
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

func CheckTransition(from, to ProcessingState, retryCount, maxRetries int) error {
	if CanTransition(from, to, retryCount, maxRetries) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s (retry_count=%d, max=%d)", ErrInvalidTransition, from, to, retryCount, maxRetries)
}
