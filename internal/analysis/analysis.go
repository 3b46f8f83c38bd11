// Package analysis asks a text model for sentiment, intent and a suggested
// reply, and refuses to trust what comes back until it has been validated.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// Model generates a completion for a prompt.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ErrDisabled is returned by Disabled.
var ErrDisabled = errors.New("analysis model disabled")

// Disabled is the Model used when no provider is configured. Every analysis
// falls back to Default.
type Disabled struct{}

// Generate always fails with ErrDisabled.
func (Disabled) Generate(context.Context, string) (string, error) {
	return "", ErrDisabled
}

// Request is one analysis input.
type Request struct {
	Content         string
	Keyword         string
	Community       string
	PersonaType     monitor.PersonaType
	PersonaSettings map[string]any
}

// Result is a validated analysis.
type Result struct {
	Sentiment           monitor.Sentiment `json:"sentiment"`
	SentimentConfidence float64           `json:"sentiment_confidence"`
	Intent              monitor.Intent    `json:"intent"`
	IntentConfidence    float64           `json:"intent_confidence"`
	SuggestedReply      string            `json:"suggested_reply"`
}

// Default is the analysis substituted whenever the model cannot be trusted.
func Default() Result {
	return Result{
		Sentiment:           monitor.SentimentNeutral,
		SentimentConfidence: 0,
		Intent:              monitor.IntentIrrelevant,
		IntentConfidence:    0,
		SuggestedReply:      FallbackReply(monitor.IntentIrrelevant),
	}
}

// Validate checks enums, confidence ranges and the reply.
func (r Result) Validate() error {
	switch {
	case !r.Sentiment.Valid():
		return fmt.Errorf("invalid sentiment %q", r.Sentiment)
	case !r.Intent.Valid():
		return fmt.Errorf("invalid intent %q", r.Intent)
	case r.SentimentConfidence < 0 || r.SentimentConfidence > 1:
		return fmt.Errorf("sentiment confidence %v out of range", r.SentimentConfidence)
	case r.IntentConfidence < 0 || r.IntentConfidence > 1:
		return fmt.Errorf("intent confidence %v out of range", r.IntentConfidence)
	case r.SuggestedReply == "":
		return errors.New("suggested reply is empty")
	}
	return nil
}

// Fallback reasons.
const (
	ReasonEmptyContent = "empty_content"
	ReasonModelError   = "model_error"
	ReasonEmptyOutput  = "empty_output"
	ReasonMalformed    = "malformed"
	ReasonInvalid      = "invalid"
	ReasonDisabled     = "disabled"
)

// Error explains why an analysis could not be produced. It matches
// monitor.ErrAnalysis.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("analysis %s: %v", e.Reason, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *Error) Unwrap() []error {
	return []error{monitor.ErrAnalysis, e.Err}
}

// Reason returns the fallback reason carried by err, or ReasonModelError.
func Reason(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ReasonModelError
}

// Service runs analyses through a Model.
type Service struct {
	model  Model
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(model Model, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{model: model, logger: logger}
}

// Analyze returns a validated Result or an *Error. Callers substitute
// Default on error.
func (s *Service) Analyze(ctx context.Context, req Request) (Result, error) {
	content := CleanContent(req.Content)
	if content == "" {
		return Result{}, &Error{Reason: ReasonEmptyContent, Err: errors.New("nothing left after cleaning")}
	}
	req.Content = content

	prompt, err := BuildPrompt(req)
	if err != nil {
		return Result{}, &Error{Reason: ReasonModelError, Err: err}
	}
	raw, err := s.model.Generate(ctx, prompt)
	if errors.Is(err, ErrDisabled) {
		return Result{}, &Error{Reason: ReasonDisabled, Err: err}
	}
	if err != nil {
		return Result{}, &Error{Reason: ReasonModelError, Err: err}
	}
	if raw == "" {
		return Result{}, &Error{Reason: ReasonEmptyOutput, Err: errors.New("model returned no text")}
	}

	result, err := ParseResponse(raw)
	if err != nil {
		s.logger.Warn("failed to parse model response", zap.Error(err), zap.String("response_text", raw))
		return Result{}, err
	}
	return result, nil
}
