/*
Package core provides LLM-backed response generation for the parley gateway.

This file implements:
- NewLanguageModel: builds the configured langchaingo model (Ollama or Gemini)
- CleaningLLM: a model wrapper that strips reasoning tags from model output
- LLMResponseGenerator: a ResponseGenerator that renders a per-intent prompt,
  optionally consults the clock tool, and asks the model for a reply
- NewResponseGenerator: selects the placeholder or LLM generator from config

The CleaningLLM keeps the langchaingo llms.Model interface so it can be
dropped in front of any provider.
*/
package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"parley/protocol"
	localtools "parley/tools"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/tools"
)

// ErrEmptyGeneration is returned when the model produced no choices.
var ErrEmptyGeneration = errors.New("llm returned no choices")

const rephraseMessage = "I understand your request but need to process it differently. Could you please rephrase your question?"

var (
	thinkBlockRegex     = regexp.MustCompile(`(?i)(?s)<think>.*?</think>`)
	openThinkRegex      = regexp.MustCompile(`(?i)(?s)<think>.*`)
	reasoningBlockRegex = regexp.MustCompile(`(?i)(?s)<reasoning>.*?</reasoning>`)
	multiNewlineRegex   = regexp.MustCompile(`\n\s*\n\s*\n+`)
)

// NewLanguageModel initializes the language model named by config.LLMProvider.
//
// Parameters:
//   - config: Provider selection and connection settings
//   - logger: Logger instance for initialization progress
//
// Returns:
//   - llms.Model: Model ready for generation
//   - error: Initialization failure or ErrUnknownProvider
func NewLanguageModel(config *Config, logger *logrus.Logger) (llms.Model, error) {
	switch config.LLMProvider {
	case ProviderGemini:
		logger.WithField("provider", "gemini").Info("Initializing Gemini LLM")
		if config.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini API key is required when using gemini provider. Set GEMINI_API_KEY environment variable")
		}

		llm, err := googleai.New(
			context.Background(),
			googleai.WithAPIKey(config.GeminiAPIKey),
			googleai.WithDefaultModel(config.GeminiModel),
		)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"provider": "gemini",
				"model":    config.GeminiModel,
			}).Error("Failed to initialize Gemini LLM")
			return nil, fmt.Errorf("failed to initialize Gemini LLM: %w", err)
		}
		logger.WithField("model", config.GeminiModel).Info("Gemini LLM initialized successfully")
		return llm, nil

	case ProviderOllama:
		logger.WithFields(logrus.Fields{
			"provider": "ollama",
			"endpoint": config.OllamaEndpoint,
			"model":    config.OllamaModel,
		}).Info("Initializing Ollama LLM")

		llm, err := ollama.New(
			ollama.WithServerURL(config.OllamaEndpoint),
			ollama.WithModel(config.OllamaModel),
		)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"endpoint": config.OllamaEndpoint,
				"model":    config.OllamaModel,
			}).Error("Failed to initialize Ollama LLM")
			return nil, fmt.Errorf("failed to initialize Ollama LLM: %w", err)
		}
		logger.Info("Ollama LLM initialized successfully")
		return llm, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, config.LLMProvider)
	}
}

// NewResponseGenerator builds the generator selected by config. The
// placeholder provider needs no model; every other provider is built with
// NewLanguageModel and wrapped in a CleaningLLM.
func NewResponseGenerator(config *Config, logger *logrus.Logger) (ResponseGenerator, error) {
	if config.LLMProvider == ProviderPlaceholder {
		logger.Info("Using placeholder response generator")
		return NewPlaceholderResponseGenerator(logger), nil
	}

	llm, err := NewLanguageModel(config, logger)
	if err != nil {
		return nil, err
	}

	model := config.OllamaModel
	if config.LLMProvider == ProviderGemini {
		model = config.GeminiModel
	}

	return NewLLMResponseGenerator(NewCleaningLLM(llm, config.LogTruncateLength, logger), LLMGeneratorOptions{
		Version:           fmt.Sprintf("langchaingo-%s-%s", config.LLMProvider, model),
		Timeout:           config.RequestTimeout,
		LogTruncateLength: config.LogTruncateLength,
	}, logger), nil
}

// CleaningLLM wraps a language model and removes reasoning markup from every
// generated choice.
type CleaningLLM struct {
	wrappedLLM     llms.Model
	truncateLength int
	logger         *logrus.Logger
}

// NewCleaningLLM creates the cleaning wrapper around llm.
func NewCleaningLLM(llm llms.Model, truncateLength int, logger *logrus.Logger) *CleaningLLM {
	return &CleaningLLM{
		wrappedLLM:     llm,
		truncateLength: truncateLength,
		logger:         logger,
	}
}

// CleanResponse removes <think> and <reasoning> blocks (including an
// unterminated <think>), trims the result and collapses runs of blank lines.
// An empty result becomes a request to rephrase.
func CleanResponse(response string) string {
	cleaned := thinkBlockRegex.ReplaceAllString(response, "")
	cleaned = openThinkRegex.ReplaceAllString(cleaned, "")
	cleaned = reasoningBlockRegex.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	cleaned = multiNewlineRegex.ReplaceAllString(cleaned, "\n\n")

	if cleaned == "" {
		return rephraseMessage
	}
	return cleaned
}

// GenerateContent implements llms.Model and cleans every returned choice.
func (w *CleaningLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	response, err := w.wrappedLLM.GenerateContent(ctx, messages, options...)
	if err != nil {
		return response, err
	}

	if response != nil {
		for i := range response.Choices {
			original := response.Choices[i].Content
			cleaned := CleanResponse(original)
			response.Choices[i].Content = cleaned

			if len(original) != len(cleaned) {
				w.logger.WithFields(logrus.Fields{
					"originalLength":  len(original),
					"cleanedLength":   len(cleaned),
					"originalPreview": truncate(original, w.truncateLength),
				}).Debug("Cleaned LLM response content")
			}
		}
	}

	return response, nil
}

// Call implements llms.Model for single-prompt calls.
func (w *CleaningLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	response, err := w.wrappedLLM.Call(ctx, prompt, options...)
	if err != nil {
		return response, err
	}
	return CleanResponse(response), nil
}

// LLMGeneratorOptions configures an LLMResponseGenerator.
type LLMGeneratorOptions struct {
	Version           string
	Timeout           time.Duration // bound on one generation; zero disables it
	Templates         map[protocol.Intent]PromptTemplate
	Clock             tools.Tool
	LogTruncateLength int
	Now               func() time.Time
}

// LLMResponseGenerator drafts replies with a language model.
type LLMResponseGenerator struct {
	llm            llms.Model
	version        string
	timeout        time.Duration
	templates      map[protocol.Intent]PromptTemplate
	clock          tools.Tool
	truncateLength int
	now            func() time.Time
	logger         *logrus.Logger
}

// NewLLMResponseGenerator creates a generator on top of llm. Missing options
// select the default prompt templates and the local clock tool.
func NewLLMResponseGenerator(llm llms.Model, opts LLMGeneratorOptions, logger *logrus.Logger) *LLMResponseGenerator {
	if opts.Version == "" {
		opts.Version = "langchaingo-v1.0.0"
	}
	if opts.Templates == nil {
		opts.Templates = DefaultPromptTemplates()
	}
	if opts.Clock == nil {
		opts.Clock = localtools.NewClockTool()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &LLMResponseGenerator{
		llm:            llm,
		version:        opts.Version,
		timeout:        opts.Timeout,
		templates:      opts.Templates,
		clock:          opts.Clock,
		truncateLength: opts.LogTruncateLength,
		now:            opts.Now,
		logger:         logger,
	}
}

// GenerateResponse renders the intent's prompt and asks the model for a reply.
func (g *LLMResponseGenerator) GenerateResponse(ctx context.Context, intent protocol.Intent, parameters map[string]any, userMessage string, userContext *protocol.UserContext) (string, error) {
	requestLogger := g.logger.WithFields(logrus.Fields{
		"component": "llm-responder",
		"intent":    intent,
	})
	handler := NewGenerationCallbackHandler(requestLogger, g.truncateLength)

	template, ok := g.templates[intent]
	if !ok {
		template, ok = g.templates[protocol.IntentChat]
		if !ok {
			return "", fmt.Errorf("no prompt template for intent %s", intent)
		}
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var history string
	if userContext != nil {
		history = FormatConversationContext(userContext.ConversationHistory)
	}

	var toolOutput string
	if intent == protocol.IntentTime {
		toolOutput = g.readClock(ctx, handler, parameters)
	}

	system, user, err := template.Render(map[string]any{
		"message":     userMessage,
		"parameters":  formatParameters(parameters),
		"history":     history,
		"today":       g.now().Format("Monday, January 2, 2006"),
		"tool_output": toolOutput,
	})
	if err != nil {
		return "", err
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}

	handler.HandleLLMGenerateContentStart(ctx, messages)
	response, err := g.llm.GenerateContent(ctx, messages)
	if err != nil {
		handler.HandleLLMError(ctx, err)
		return "", fmt.Errorf("generate response: %w", err)
	}
	handler.HandleLLMGenerateContentEnd(ctx, response)

	if response == nil || len(response.Choices) == 0 {
		return "", ErrEmptyGeneration
	}
	return response.Choices[0].Content, nil
}

// readClock asks the clock tool for the current time, in the timezone of the
// resolved location when the NLU service provided one. Tool failures only
// drop the reading from the prompt.
func (g *LLMResponseGenerator) readClock(ctx context.Context, handler *GenerationCallbackHandler, parameters map[string]any) string {
	var zone string
	if resolved, ok := parameters["location_resolved"].([]protocol.ResolvedValue); ok {
		for _, value := range resolved {
			if value.Timezone != "" {
				zone = value.Timezone
				break
			}
		}
	}

	handler.HandleToolStart(ctx, zone)
	output, err := g.clock.Call(ctx, zone)
	if err != nil {
		handler.HandleToolError(ctx, err)
		return ""
	}
	handler.HandleToolEnd(ctx, output)
	return "Clock reading: " + output
}

// IsHealthy asks the model for a one-token completion.
func (g *LLMResponseGenerator) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := g.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "ping"),
	}, llms.WithMaxTokens(1))
	if err != nil {
		g.logger.WithError(err).Warn("LLM health check failed")
		return false
	}
	return true
}

// Version identifies the generator and its model.
func (g *LLMResponseGenerator) Version() string {
	return g.version
}
