package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ClientType identifies the surface a conversation turn originated from.
type ClientType string

const (
	ClientTerminal ClientType = "terminal"
	ClientBrowser  ClientType = "browser"
	ClientVoice    ClientType = "voice"
)

// MessageType is the author role of a persisted conversation turn.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
)

// Intent is a classified category of user request.
type Intent string

const (
	IntentChat       Intent = "chat"
	IntentHelp       Intent = "help"
	IntentWeather    Intent = "get_weather"
	IntentIoTControl Intent = "iot_control"
	IntentTime       Intent = "get_time"
	IntentWebSearch  Intent = "web_search"
	IntentTimer      Intent = "set_timer"
	IntentAlarm      Intent = "set_alarm"
	IntentMedia      Intent = "play_media"
	IntentNews       Intent = "get_news"
	IntentReminder   Intent = "reminder"
)

// KnownIntents lists every intent the assistant can route to.
var KnownIntents = []Intent{
	IntentChat,
	IntentHelp,
	IntentWeather,
	IntentIoTControl,
	IntentTime,
	IntentWebSearch,
	IntentTimer,
	IntentAlarm,
	IntentMedia,
	IntentNews,
	IntentReminder,
}

// ParseIntent resolves an intent name case-insensitively.
func ParseIntent(name string) (Intent, bool) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, intent := range KnownIntents {
		if string(intent) == normalized {
			return intent, true
		}
	}
	return "", false
}

// UserContext carries optional per-user state alongside a command.
type UserContext struct {
	UserID              string                `json:"userId"`
	Preferences         map[string]any        `json:"preferences,omitempty"`
	ConversationHistory []ConversationMessage `json:"conversationHistory,omitempty"`
	SessionState        map[string]any        `json:"sessionState,omitempty"`
	LastActivity        time.Time             `json:"lastActivity"`
}

// ConversationCommand is one user turn request sent by a client.
type ConversationCommand struct {
	SessionID  string       `json:"sessionId"`
	Message    string       `json:"message"`
	ClientType ClientType   `json:"clientType"`
	UserID     string       `json:"userId"`
	Context    *UserContext `json:"context,omitempty"`
}

// Coordinates is a resolved geographic position.
type Coordinates struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// ResolvedValue is one candidate resolution of a location entity.
type ResolvedValue struct {
	Name       string            `json:"name"`
	Coords     *Coordinates      `json:"coords,omitempty"`
	Timezone   string            `json:"timezone,omitempty"`
	Domain     string            `json:"domain,omitempty"`
	External   map[string]string `json:"external,omitempty"`
	Attributes map[string]any    `json:"attributes,omitempty"`
}

// ParsedEntity is one entity extracted from an utterance.
type ParsedEntity struct {
	Name           string          `json:"name"`
	Value          any             `json:"value"`
	Confidence     float64         `json:"confidence"`
	Type           string          `json:"type"` // text, number, date, location, device, temperature
	Unit           string          `json:"unit,omitempty"`
	Coordinates    *Coordinates    `json:"coordinates,omitempty"`
	ResolvedValues []ResolvedValue `json:"resolvedValues,omitempty"`
}

// MessageMetadata describes how an assistant turn was produced.
type MessageMetadata struct {
	ProcessingTime int64          `json:"processingTime"` // milliseconds from command receipt
	Error          bool           `json:"error,omitempty"`
	Intent         Intent         `json:"intent,omitempty"`
	Confidence     float64        `json:"confidence"`
	Entities       []ParsedEntity `json:"entities,omitempty"`
}

// ConversationMessage is one persisted turn. It is never modified after
// creation.
type ConversationMessage struct {
	ID         string           `json:"id"`
	Type       MessageType      `json:"type"`
	Content    string           `json:"content"`
	Timestamp  time.Time        `json:"timestamp"`
	SessionID  string           `json:"sessionId"`
	UserID     string           `json:"userId"`
	ClientType ClientType       `json:"clientType"`
	Metadata   *MessageMetadata `json:"metadata,omitempty"`
}

// ErrInvalidCommand is returned when a conversation payload does not have the
// shape of a ConversationCommand.
var ErrInvalidCommand = errors.New("expected ConversationCommand object")

var requiredCommandFields = []string{"sessionId", "message", "clientType", "userId"}

// DecodeCommand validates a raw conversation payload and decodes it. The
// payload must be a JSON object containing sessionId, message, clientType
// and userId.
func DecodeCommand(raw json.RawMessage) (ConversationCommand, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ConversationCommand{}, ErrInvalidCommand
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return ConversationCommand{}, ErrInvalidCommand
	}
	for _, name := range requiredCommandFields {
		if _, ok := fields[name]; !ok {
			return ConversationCommand{}, ErrInvalidCommand
		}
	}

	var cmd ConversationCommand
	if err := json.Unmarshal(trimmed, &cmd); err != nil {
		return ConversationCommand{}, ErrInvalidCommand
	}
	return cmd, nil
}
