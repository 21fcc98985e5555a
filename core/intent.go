/*
Package core provides intent classification for the parley gateway.

This file implements the Wit.AI adapter. It isolates the conversation
pipeline from the external NLU service: every call runs under a bounded
timeout, and any failure (missing credentials, timeout, transport error,
non-2xx status, malformed body, untrusted confidence) converges on the same
deterministic chat fallback result. The adapter never returns an error.
*/
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"parley/protocol"

	"github.com/sirupsen/logrus"
)

// IntentParser classifies one utterance.
type IntentParser interface {
	ParseIntent(ctx context.Context, message string, userContext *protocol.UserContext) (*IntentParseResult, error)
	IsHealthy(ctx context.Context) bool
	Version() string
}

// WitParserOptions configures a WitIntentParser.
type WitParserOptions struct {
	AccessToken         string
	BaseURL             string        // default https://api.wit.ai
	Timeout             time.Duration // default 3s
	ConfidenceThreshold float64       // within [0,1]; out-of-range values select 0.7
	Mapping             *IntentMapping
	Cache               IntentCache // optional
	HTTPClient          *http.Client
	LogTruncateLength   int
}

// WitIntentParser classifies utterances with the Wit.AI message API.
type WitIntentParser struct {
	accessToken         string
	baseURL             string
	timeout             time.Duration
	confidenceThreshold float64
	mapper              *WitResponseMapper
	cache               IntentCache
	httpClient          *http.Client
	truncateLength      int
	logger              *logrus.Entry
}

// NewWitIntentParser creates the Wit.AI adapter. Without an access token the
// parser answers every request with the fallback result and never touches the
// network.
//
// Parameters:
//   - opts: Adapter settings; zero values select defaults
//   - logger: Logger instance for monitoring classification
//
// Returns:
//   - *WitIntentParser: Adapter ready for use
func NewWitIntentParser(opts WitParserOptions, logger *logrus.Logger) *WitIntentParser {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.wit.ai"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3000 * time.Millisecond
	}
	if opts.ConfidenceThreshold < 0 || opts.ConfidenceThreshold > 1 {
		opts.ConfidenceThreshold = 0.7
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	parser := &WitIntentParser{
		accessToken:         opts.AccessToken,
		baseURL:             opts.BaseURL,
		timeout:             opts.Timeout,
		confidenceThreshold: opts.ConfidenceThreshold,
		mapper:              NewWitResponseMapper(opts.Mapping, logger),
		cache:               opts.Cache,
		httpClient:          opts.HTTPClient,
		truncateLength:      opts.LogTruncateLength,
		logger:              logger.WithField("component", "intent-parser"),
	}

	if parser.accessToken == "" {
		parser.logger.Warn("WIT_AI_ACCESS_TOKEN not configured - intent parsing will use fallback")
	}
	return parser
}

// ParseIntent classifies message. The returned error is always nil; failures
// are reported through the fallback result.
func (p *WitIntentParser) ParseIntent(ctx context.Context, message string, userContext *protocol.UserContext) (*IntentParseResult, error) {
	if p.accessToken == "" {
		p.logger.Debug("No Wit.AI token configured, falling back to chat intent")
		return NewFallbackResult(message, 0.5), nil
	}

	requestLogger := p.logger.WithField("message", truncate(message, p.truncateLength))
	if userContext != nil {
		requestLogger = requestLogger.WithField("userID", userContext.UserID)
	}
	requestLogger.Debug("Parsing intent with Wit.AI")

	response, err := p.fetch(ctx, message)
	if err != nil && ctx.Err() != nil {
		requestLogger.WithError(ctx.Err()).Info("Intent parsing cancelled, falling back to chat")
		return NewFallbackResult(message, 0.5), nil
	}
	if err != nil {
		requestLogger.WithError(err).Error("Intent parsing failed, falling back to chat")
		return NewFallbackResult(message, 0.5), nil
	}

	result := p.mapper.Map(response)
	if result.Confidence < p.confidenceThreshold {
		requestLogger.WithFields(logrus.Fields{
			"confidence":     result.Confidence,
			"threshold":      p.confidenceThreshold,
			"originalIntent": result.Intent,
		}).Debug("Intent confidence below threshold, falling back to chat")
		return NewFallbackResult(message, result.Confidence), nil
	}

	requestLogger.WithFields(logrus.Fields{
		"intent":      result.Intent,
		"confidence":  result.Confidence,
		"entityCount": len(result.Entities),
	}).Info("Intent parsed successfully")
	return result, nil
}

// IsHealthy probes the NLU service with a short utterance.
func (p *WitIntentParser) IsHealthy(ctx context.Context) bool {
	if p.accessToken == "" {
		p.logger.WithError(ErrNoAccessToken).Debug("Wit.AI health check skipped")
		return false
	}
	if _, _, err := p.call(ctx, "hello"); err != nil {
		p.logger.WithError(err).Error("Wit.AI health check failed")
		return false
	}
	return true
}

// Version identifies the adapter implementation.
func (p *WitIntentParser) Version() string {
	return "wit-ai-v1.0.0"
}

// Threshold returns the configured confidence threshold.
func (p *WitIntentParser) Threshold() float64 {
	return p.confidenceThreshold
}

// fetch returns a validated response, consulting the cache first when one is
// configured.
func (p *WitIntentParser) fetch(ctx context.Context, message string) (*WitResponse, error) {
	var key string
	if p.cache != nil {
		key = CacheKey(message)
		if body, ok := p.cacheGet(ctx, key); ok {
			if response, err := DecodeWitResponse(body); err == nil {
				p.logger.Debug("Intent cache hit")
				return response, nil
			}
		}
	}

	response, body, err := p.call(ctx, message)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cacheSet(ctx, key, body)
	}
	return response, nil
}

// Cache operations share the NLU timeout so a slow cache cannot stretch a
// classification past it.
func (p *WitIntentParser) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.cache.Get(ctx, key)
}

func (p *WitIntentParser) cacheSet(ctx context.Context, key string, body []byte) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	p.cache.Set(ctx, key, body)
}

// call performs one GET /message request under the configured timeout.
func (p *WitIntentParser) call(ctx context.Context, message string) (*WitResponse, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/message?q=%s", p.baseURL, url.QueryEscape(message))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build wit.ai request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AI-Assistant/1.0.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("%w after %dms", ErrNLUTimeout, p.timeout.Milliseconds())
		}
		return nil, nil, fmt.Errorf("wit.ai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, fmt.Errorf("%w: %s", ErrNLUStatus, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("%w after %dms", ErrNLUTimeout, p.timeout.Milliseconds())
		}
		return nil, nil, fmt.Errorf("read wit.ai response: %w", err)
	}

	response, err := DecodeWitResponse(body)
	if err != nil {
		return nil, nil, err
	}
	return response, body, nil
}
