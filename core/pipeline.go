/*
Package core provides the conversation pipeline for the parley gateway.

The ConversationService is the single place that turns a ConversationCommand
into a persisted assistant reply. It records the user's turn first, asks the
intent parser to classify it, applies the confidence gate, asks the response
generator for text and records the assistant's turn. Every failure along the
way, including panics in collaborators, is converted into a fixed apology
reply so that no command is ever left unanswered.
*/
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parley/protocol"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ApologyMessage is the reply sent when a command could not be processed.
const ApologyMessage = "I apologize, but I'm having trouble processing your message right now. Could you please try again?"

// ConversationService processes conversation commands.
type ConversationService struct {
	parser         IntentParser
	generator      ResponseGenerator
	history        HistoryStore
	tracker        *ExecutionTracker
	threshold      float64
	contextLimit   int
	truncateLength int
	now            func() time.Time
	newID          func() string
	logger         *logrus.Logger
}

// PipelineOption configures a ConversationService.
type PipelineOption func(*ConversationService)

// WithConfidenceThreshold sets the minimum confidence for a non-chat intent.
func WithConfidenceThreshold(threshold float64) PipelineOption {
	return func(s *ConversationService) { s.threshold = threshold }
}

// WithContextLimit sets how many previous turns are attached to commands
// that arrive without a user context.
func WithContextLimit(limit int) PipelineOption {
	return func(s *ConversationService) { s.contextLimit = limit }
}

// WithClock sets the time source used for timestamps and processing time.
func WithClock(now func() time.Time) PipelineOption {
	return func(s *ConversationService) { s.now = now }
}

// WithIDGenerator sets the function that produces message IDs.
func WithIDGenerator(newID func() string) PipelineOption {
	return func(s *ConversationService) { s.newID = newID }
}

// WithExecutionTracker registers in-flight commands with tracker.
func WithExecutionTracker(tracker *ExecutionTracker) PipelineOption {
	return func(s *ConversationService) { s.tracker = tracker }
}

// WithLogTruncateLength bounds the length of utterances written to the log.
func WithLogTruncateLength(length int) PipelineOption {
	return func(s *ConversationService) { s.truncateLength = length }
}

// NewConversationService wires the pipeline to its collaborators.
//
// Parameters:
//   - parser: Intent classifier
//   - generator: Reply generator
//   - history: Session history store
//   - logger: Logger instance for request tracing
//   - opts: Optional settings
//
// Returns:
//   - *ConversationService: Pipeline ready for use
func NewConversationService(parser IntentParser, generator ResponseGenerator, history HistoryStore, logger *logrus.Logger, opts ...PipelineOption) *ConversationService {
	service := &ConversationService{
		parser:       parser,
		generator:    generator,
		history:      history,
		tracker:      NewExecutionTracker(),
		threshold:    0.7,
		contextLimit: 10,
		now:          time.Now,
		newID:        uuid.NewString,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Executions returns the tracker of in-flight commands.
func (s *ConversationService) Executions() *ExecutionTracker {
	return s.tracker
}

// ProcessMessage handles one user turn and returns the assistant's reply. It
// always appends exactly two messages to the session's history, the user's
// turn followed by the reply, and never fails.
func (s *ConversationService) ProcessMessage(ctx context.Context, cmd protocol.ConversationCommand) protocol.ConversationMessage {
	startTime := s.now()

	userMessage := protocol.ConversationMessage{
		ID:         s.newID(),
		Type:       protocol.MessageUser,
		Content:    cmd.Message,
		Timestamp:  startTime,
		SessionID:  cmd.SessionID,
		UserID:     cmd.UserID,
		ClientType: cmd.ClientType,
	}

	requestLogger := s.logger.WithFields(logrus.Fields{
		"component":  "pipeline",
		"messageID":  userMessage.ID,
		"sessionID":  cmd.SessionID,
		"userID":     cmd.UserID,
		"clientType": cmd.ClientType,
	})
	requestLogger.WithField("message", truncate(cmd.Message, s.truncateLength)).Info("Processing conversation message")

	userContext := cmd.Context
	if userContext == nil {
		userContext = &protocol.UserContext{
			UserID:              cmd.UserID,
			ConversationHistory: s.history.Recent(cmd.SessionID, s.contextLimit),
			LastActivity:        startTime,
		}
	}

	s.history.Append(cmd.SessionID, userMessage)

	ctx, release := s.tracker.track(ctx, userMessage.ID, cmd.SessionID, cmd.UserID, startTime)
	defer release()

	reply, result, err := s.respond(ctx, cmd, userContext)
	processingTime := s.now().Sub(startTime).Milliseconds()

	assistantMessage := protocol.ConversationMessage{
		ID:         s.newID(),
		Type:       protocol.MessageAssistant,
		SessionID:  cmd.SessionID,
		UserID:     cmd.UserID,
		ClientType: cmd.ClientType,
		Timestamp:  s.now(),
	}

	if err != nil {
		requestLogger.WithError(err).WithField("processingTime", processingTime).Error("Failed to process conversation message")
		assistantMessage.Content = ApologyMessage
		assistantMessage.Metadata = &protocol.MessageMetadata{
			Error:          true,
			ProcessingTime: processingTime,
		}
	} else {
		assistantMessage.Content = reply
		assistantMessage.Metadata = &protocol.MessageMetadata{
			Intent:         result.Intent,
			Confidence:     result.Confidence,
			Entities:       result.Entities,
			ProcessingTime: processingTime,
		}
		requestLogger.WithFields(logrus.Fields{
			"intent":         result.Intent,
			"confidence":     result.Confidence,
			"processingTime": processingTime,
		}).Info("Conversation message processed")
	}

	s.history.Append(cmd.SessionID, assistantMessage)
	return assistantMessage
}

// respond classifies the message and generates reply text. Panics raised by
// either collaborator are returned as errors.
func (s *ConversationService) respond(ctx context.Context, cmd protocol.ConversationCommand, userContext *protocol.UserContext) (reply string, result *IntentParseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, result = "", nil
			err = fmt.Errorf("panic during message processing: %v", r)
		}
	}()

	result, err = s.parser.ParseIntent(ctx, cmd.Message, userContext)
	if err != nil {
		return "", nil, fmt.Errorf("parse intent: %w", err)
	}
	if result == nil {
		return "", nil, errors.New("intent parser returned no result")
	}
	// Parsers may degrade a cancelled call to a fallback result.
	if err := ctx.Err(); err != nil {
		return "", nil, fmt.Errorf("parse intent: %w", err)
	}

	result = s.applyConfidenceGate(result, cmd.Message)

	reply, err = s.generator.GenerateResponse(ctx, result.Intent, result.Parameters, cmd.Message, userContext)
	if err != nil {
		return "", nil, fmt.Errorf("generate response: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", nil, fmt.Errorf("generate response: %w", err)
	}
	return reply, result, nil
}

// applyConfidenceGate replaces a non-chat result below the threshold with the
// chat fallback, keeping the reported confidence.
func (s *ConversationService) applyConfidenceGate(result *IntentParseResult, message string) *IntentParseResult {
	if result.Intent == protocol.IntentChat || result.Confidence >= s.threshold {
		return result
	}

	s.logger.WithFields(logrus.Fields{
		"component":      "pipeline",
		"originalIntent": result.Intent,
		"confidence":     result.Confidence,
		"threshold":      s.threshold,
	}).Debug("Intent below confidence threshold, using chat")
	return NewFallbackResult(message, result.Confidence)
}

// GetConversationHistory returns the session's turns in insertion order.
// userID is accepted for future authorization checks and does not filter.
func (s *ConversationService) GetConversationHistory(_ context.Context, sessionID, userID string) []protocol.ConversationMessage {
	s.logger.WithFields(logrus.Fields{
		"component": "pipeline",
		"sessionID": sessionID,
		"userID":    userID,
	}).Debug("Retrieving conversation history")
	return s.history.Get(sessionID)
}
