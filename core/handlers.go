package core

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/callbacks"
	"github.com/tmc/langchaingo/llms"
)

// GenerationCallbackHandler logs one response generation. Events it does not
// override are ignored through the embedded SimpleHandler.
type GenerationCallbackHandler struct {
	callbacks.SimpleHandler
	requestLogger  *logrus.Entry
	truncateLength int
}

func NewGenerationCallbackHandler(requestLogger *logrus.Entry, truncateLength int) *GenerationCallbackHandler {
	return &GenerationCallbackHandler{
		requestLogger:  requestLogger,
		truncateLength: truncateLength,
	}
}

func (h *GenerationCallbackHandler) HandleLLMGenerateContentStart(ctx context.Context, ms []llms.MessageContent) {
	h.requestLogger.WithFields(logrus.Fields{
		"messageCount": len(ms),
	}).Debug("LLM content generation started")
}

func (h *GenerationCallbackHandler) HandleLLMGenerateContentEnd(ctx context.Context, res *llms.ContentResponse) {
	h.requestLogger.WithFields(logrus.Fields{
		"response": func() string {
			if res != nil && len(res.Choices) > 0 {
				return truncate(res.Choices[0].Content, h.truncateLength)
			}
			return ""
		}(),
	}).Info("LLM content generation completed")
}

func (h *GenerationCallbackHandler) HandleLLMError(ctx context.Context, err error) {
	h.requestLogger.WithFields(logrus.Fields{
		"error": err.Error(),
	}).Error("LLM call failed")
}

func (h *GenerationCallbackHandler) HandleToolStart(ctx context.Context, input string) {
	h.requestLogger.WithFields(logrus.Fields{
		"input": input,
	}).Debug("Tool execution started")
}

func (h *GenerationCallbackHandler) HandleToolEnd(ctx context.Context, output string) {
	h.requestLogger.WithFields(logrus.Fields{
		"output":       truncate(output, h.truncateLength),
		"outputLength": len(output),
	}).Debug("Tool execution completed")
}

func (h *GenerationCallbackHandler) HandleToolError(ctx context.Context, err error) {
	h.requestLogger.WithFields(logrus.Fields{
		"error": err.Error(),
	}).Warn("Tool execution failed")
}

var _ callbacks.Handler = (*GenerationCallbackHandler)(nil)
