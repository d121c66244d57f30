// Package analyzer turns a raw caption into structured product content.
package analyzer

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/mediasync/internal/model"
)

var ErrEmptyCaption = errors.New("caption is empty")

type Analyzer interface {
	Analyze(ctx context.Context, messageID, caption string) (model.AnalyzedContent, error)
}

type fallback struct {
	primary   Analyzer
	secondary Analyzer
	logger    *zerolog.Logger
}

// Fallback tries primary and, when it fails for any reason other than an
// empty caption or a finished context, answers with secondary. Content
// produced by secondary is tagged with the fallback method.
func Fallback(primary, secondary Analyzer, logger *zerolog.Logger) Analyzer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f *fallback) Analyze(ctx context.Context, messageID, caption string) (model.AnalyzedContent, error) {
	if strings.TrimSpace(caption) == "" {
		return model.AnalyzedContent{}, ErrEmptyCaption
	}

	out, err := f.primary.Analyze(ctx, messageID, caption)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, ErrEmptyCaption) || ctx.Err() != nil {
		return model.AnalyzedContent{}, err
	}

	f.logger.Warn().Err(err).Str("message_id", messageID).Msg("primary analyzer failed, using fallback")

	out, err2 := f.secondary.Analyze(ctx, messageID, caption)
	if err2 != nil {
		return model.AnalyzedContent{}, errors.Join(err, err2)
	}
	out.Parsing.Method = model.MethodFallback
	return out, nil
}
