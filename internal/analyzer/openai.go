package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/mediasync/internal/model"
)

const (
	defaultModel        = "gpt-4o-mini"
	defaultRPS          = 1.0
	rateLimiterBurst    = 2
	maxResponseLogChars = 500
)

const systemPrompt = `You extract product data from short captions posted with product photos.
Reply with a single JSON object with these keys:
product_name (string), product_code (string, without '#'), vendor_uid (string, uppercase letters of the code),
quantity (integer or null), purchase_date (YYYY-MM-DD or null), notes (string), confidence (number 0..1).
Use empty strings or null for anything the caption does not state.`

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	RPS     float64
}

// APIError carries the HTTP status of a failed completion call.
type APIError struct {
	Code int
	Err  error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai status %d: %v", e.Code, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func (e *APIError) StatusCode() int {
	return e.Code
}

type OpenAIAnalyzer struct {
	client      *openai.Client
	model       string
	rateLimiter *rate.Limiter
	logger      *zerolog.Logger
	now         func() time.Time
}

func NewOpenAIAnalyzer(cfg OpenAIConfig, logger *zerolog.Logger) *OpenAIAnalyzer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.RPS <= 0 {
		cfg.RPS = defaultRPS
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &OpenAIAnalyzer{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RPS), rateLimiterBurst),
		logger:      logger,
		now:         time.Now,
	}
}

type completion struct {
	ProductName  string  `json:"product_name"`
	ProductCode  string  `json:"product_code"`
	VendorUID    string  `json:"vendor_uid"`
	Quantity     *int    `json:"quantity"`
	PurchaseDate *string `json:"purchase_date"`
	Notes        string  `json:"notes"`
	Confidence   float64 `json:"confidence"`
}

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, messageID, caption string) (model.AnalyzedContent, error) {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return model.AnalyzedContent{}, ErrEmptyCaption
	}

	if err := a.rateLimiter.Wait(ctx); err != nil {
		return model.AnalyzedContent{}, fmt.Errorf("rate limiter error: %w", err)
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: caption},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return model.AnalyzedContent{}, &APIError{Code: apiErr.HTTPStatusCode, Err: err}
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return model.AnalyzedContent{}, &APIError{Code: reqErr.HTTPStatusCode, Err: err}
		}
		return model.AnalyzedContent{}, fmt.Errorf("openai chat completion error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.AnalyzedContent{}, errors.New("openai returned no choices")
	}

	content := resp.Choices[0].Message.Content
	a.logger.Debug().Str("message_id", messageID).Str("content", truncate(content, maxResponseLogChars)).Msg("LLM response")

	var c completion
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		return model.AnalyzedContent{}, fmt.Errorf("decode completion: %w", err)
	}

	out := model.AnalyzedContent{
		ProductName: strings.TrimSpace(c.ProductName),
		ProductCode: strings.TrimPrefix(strings.TrimSpace(c.ProductCode), "#"),
		VendorUID:   strings.ToUpper(strings.TrimSpace(c.VendorUID)),
		Quantity:    c.Quantity,
		Notes:       strings.TrimSpace(c.Notes),
		Caption:     caption,
		Parsing: model.ParsingMetadata{
			Method:     model.MethodAI,
			Confidence: clamp(c.Confidence),
			ParsedAt:   a.now().UTC(),
		},
	}
	if c.PurchaseDate != nil {
		if _, err := time.Parse("2006-01-02", *c.PurchaseDate); err == nil {
			d := *c.PurchaseDate
			out.PurchaseDate = &d
		}
	}
	if out.Quantity != nil && *out.Quantity < 0 {
		out.Quantity = nil
	}
	return out, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
