/*
Package core contains the server-side data types used between the NLU adapter,
the response generators and the conversation pipeline.

Key type categories:
- Intent classification results (IntentParseResult)
- Wit.AI message API response shapes (WitResponse and friends)
- Operational views returned by the HTTP API (ExecutionInfo, ComponentHealth)
*/
package core

import (
	"time"

	"parley/protocol"
)

// FallbackReason marks parameters produced by the chat fallback path.
const FallbackReason = "intent_parsing_failed_or_low_confidence"

// IntentParseResult is the outcome of classifying one utterance. It lives only
// for the duration of one pipeline invocation.
type IntentParseResult struct {
	Intent      protocol.Intent         `json:"intent"`
	Parameters  map[string]any          `json:"parameters"`
	Confidence  float64                 `json:"confidence"` // always within [0,1]
	Entities    []protocol.ParsedEntity `json:"entities"`
	Sentiment   string                  `json:"sentiment,omitempty"`
	RawResponse *WitResponse            `json:"rawResponse,omitempty"` // original NLU body for debugging
}

// IsFallback reports whether the result came from the chat fallback path.
func (r *IntentParseResult) IsFallback() bool {
	reason, _ := r.Parameters["fallbackReason"].(string)
	return reason == FallbackReason
}

// NewFallbackResult builds the chat result used whenever classification fails
// or is not trusted. confidence carries the sub-threshold value when the
// fallback was caused by the confidence gate.
func NewFallbackResult(message string, confidence float64) *IntentParseResult {
	return &IntentParseResult{
		Intent: protocol.IntentChat,
		Parameters: map[string]any{
			"originalMessage": message,
			"fallbackReason":  FallbackReason,
		},
		Confidence: clampConfidence(confidence),
		Entities:   []protocol.ParsedEntity{},
		Sentiment:  "neutral",
	}
}

func clampConfidence(confidence float64) float64 {
	switch {
	case confidence < 0:
		return 0
	case confidence > 1:
		return 1
	default:
		return confidence
	}
}

// WitResponse is the body returned by GET /message on the Wit.AI API.
type WitResponse struct {
	Text     string                 `json:"text"`
	Intents  []WitIntent            `json:"intents"`
	Entities map[string][]WitEntity `json:"entities"`
	Traits   map[string][]WitTrait  `json:"traits"`
}

// WitIntent is one classified intent candidate.
type WitIntent struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// WitEntity is one extracted entity occurrence.
type WitEntity struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Role       string       `json:"role"`
	Body       string       `json:"body"`
	Start      int          `json:"start"`
	End        int          `json:"end"`
	Confidence float64      `json:"confidence"`
	Type       string       `json:"type"` // value or resolved
	Value      any          `json:"value"`
	Unit       string       `json:"unit,omitempty"`
	Resolved   *WitResolved `json:"resolved,omitempty"`
}

// WitResolved holds resolution candidates for entities such as locations.
type WitResolved struct {
	Values []protocol.ResolvedValue `json:"values"`
}

// WitTrait is one trait value such as sentiment.
type WitTrait struct {
	ID         string  `json:"id"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExecutionInfo describes one in-flight conversation command.
type ExecutionInfo struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	StartedAt time.Time `json:"startedAt"`
}

// ComponentHealth reports the availability of one pluggable collaborator.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}
