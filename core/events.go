package core

import (
	"context"
	"encoding/json"

	"parley/protocol"

	"github.com/sirupsen/logrus"
)

// DefaultWelcomeMessage greets every new connection.
const DefaultWelcomeMessage = "Welcome to the WebSocket server!"

// ConversationProcessor turns one command into an assistant reply.
type ConversationProcessor interface {
	ProcessMessage(ctx context.Context, cmd protocol.ConversationCommand) protocol.ConversationMessage
}

// WelcomeHook returns a connection hook that sends message as a welcome envelope.
func WelcomeHook(message string) ConnectionHook {
	return func(_ context.Context, conn *Conn) error {
		return conn.Send(protocol.EventWelcome, message)
	}
}

// ConversationHandler validates a conversation payload, runs it through the
// pipeline and replies with the assistant's message. Invalid payloads are
// rejected without touching history.
func ConversationHandler(processor ConversationProcessor) HandlerFunc {
	return func(ctx context.Context, conn *Conn, payload json.RawMessage) error {
		cmd, err := protocol.DecodeCommand(payload)
		if err != nil {
			conn.logger.WithError(err).Warn("Rejected invalid conversation command")
			return conn.Send(protocol.EventError, protocol.ErrorPayload{
				Message: "Invalid conversation command format",
				Error:   "Expected ConversationCommand object",
			})
		}

		reply := processor.ProcessMessage(ctx, cmd)
		return conn.Send(protocol.EventConversationResponse, reply)
	}
}

// PingHandler answers every ping with a pong carrying a null payload.
func PingHandler(_ context.Context, conn *Conn, _ json.RawMessage) error {
	return conn.Send(protocol.EventPong, nil)
}

// ChatHandler logs a legacy chat payload and acknowledges it.
func ChatHandler(_ context.Context, conn *Conn, payload json.RawMessage) error {
	conn.logger.WithFields(logrus.Fields{
		"payload": string(payload),
	}).Info("Received chat message")
	return conn.Send(protocol.EventChatAck, "Message received!")
}

// RegisterConversationEvents installs the conversation, ping and chat handlers.
func RegisterConversationEvents(dispatcher *EventDispatcher, processor ConversationProcessor) {
	dispatcher.Handle(protocol.EventConversation, ConversationHandler(processor))
	dispatcher.Handle(protocol.EventPing, PingHandler)
	dispatcher.Handle(protocol.EventChat, ChatHandler)
}
