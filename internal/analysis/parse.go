package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

var (
	fenceRE         = regexp.MustCompile("```[a-z]*\\s*")
	trailingCommaRE = regexp.MustCompile(`,\s*([}\]])`)
	objectRE        = regexp.MustCompile(`\{[^}]*\}`)
)

var requiredKeys = []string{"sentiment", "sentiment_confidence", "intent", "intent_confidence", "suggested_reply"}

// RepairResponse strips code fences and returns the text as soon as it is
// valid JSON. Otherwise it drops trailing commas and isolates the JSON object
// when the model wraps it in prose.
func RepairResponse(raw string) string {
	text := strings.TrimSpace(fenceRE.ReplaceAllString(raw, ""))
	if json.Valid([]byte(text)) {
		return text
	}
	text = strings.TrimSpace(trailingCommaRE.ReplaceAllString(text, "$1"))
	if json.Valid([]byte(text)) {
		return text
	}
	if m := objectRE.FindString(text); m != "" {
		text = m
	}
	return text
}

// ParseResponse repairs, decodes and validates a model response.
func ParseResponse(raw string) (Result, error) {
	text := RepairResponse(raw)

	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return Result{}, &Error{Reason: ReasonMalformed, Err: fmt.Errorf("decode %q: %w", text, err)}
	}
	for _, key := range requiredKeys {
		if _, ok := fields[key]; !ok {
			return Result{}, &Error{Reason: ReasonMalformed, Err: fmt.Errorf("missing %q", key)}
		}
	}

	sentimentConfidence, err := toFloat(fields["sentiment_confidence"])
	if err != nil {
		return Result{}, &Error{Reason: ReasonInvalid, Err: fmt.Errorf("sentiment_confidence: %w", err)}
	}
	intentConfidence, err := toFloat(fields["intent_confidence"])
	if err != nil {
		return Result{}, &Error{Reason: ReasonInvalid, Err: fmt.Errorf("intent_confidence: %w", err)}
	}
	result := Result{
		Sentiment:           monitor.Sentiment(toString(fields["sentiment"])),
		SentimentConfidence: sentimentConfidence,
		Intent:              monitor.Intent(toString(fields["intent"])),
		IntentConfidence:    intentConfidence,
		SuggestedReply:      strings.TrimSpace(toString(fields["suggested_reply"])),
	}
	if err := result.Validate(); err != nil {
		return Result{}, &Error{Reason: ReasonInvalid, Err: err}
	}
	return result, nil
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", n, err)
		}
		return f, nil
	case nil:
		return 0, errors.New("null")
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
