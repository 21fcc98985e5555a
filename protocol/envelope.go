/*
Package protocol defines the wire format shared by the parley server and its
client surfaces.

Every frame exchanged over the persistent WebSocket connection, in both
directions, is a JSON envelope of the form {"type": string, "payload": any}.
The type string selects both server-side routing and client-side
interpretation of the payload.

Key type categories:
- Envelope framing and event names
- Conversation commands and persisted conversation messages
- Intent classification results carried in message metadata
*/
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Client to server event types.
const (
	EventConversation = "conversation"
	EventPing         = "ping"
	EventChat         = "chat"
)

// Server to client event types.
const (
	EventWelcome              = "welcome"
	EventConversationResponse = "conversation_response"
	EventError                = "error"
	EventPong                 = "pong"
	EventChatAck              = "chat_ack"
)

// Envelope is the only unit exchanged on the wire. Payload is kept raw so the
// receiver can validate its shape against the handler registered for Type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ErrNotEnvelope is returned by Decode for frames that are not JSON objects.
var ErrNotEnvelope = errors.New("frame is not a JSON object")

// ErrorPayload is the structured payload of an "error" envelope.
type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// Encode wraps payload in an envelope of the given type and serializes it.
// A nil payload is encoded as JSON null.
func Encode(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", eventType, err)
	}
	return data, nil
}

// Decode parses one frame into an envelope. Frames that are not JSON objects
// are rejected.
func Decode(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, ErrNotEnvelope
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ErrorText extracts a human-readable message from an error envelope payload.
// The server sends structured {message, error} payloads for processing
// failures and bare strings for framing failures; both are accepted.
func ErrorText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "Unknown server error"
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return text
	}

	var payload ErrorPayload
	if err := json.Unmarshal(trimmed, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return "Unknown server error"
}
