package core

import (
	"context"
	"fmt"
	"strings"

	"parley/protocol"

	"github.com/sirupsen/logrus"
)

// Response generator providers.
const (
	ProviderPlaceholder = "placeholder"
	ProviderOllama      = "ollama"
	ProviderGemini      = "gemini"
)

// ResponseGenerator drafts the assistant's reply for a classified utterance.
type ResponseGenerator interface {
	GenerateResponse(ctx context.Context, intent protocol.Intent, parameters map[string]any, userMessage string, userContext *protocol.UserContext) (string, error)
	IsHealthy(ctx context.Context) bool
	Version() string
}

// PlaceholderResponseGenerator answers every intent with a templated reply.
// It is used until real service integrations are connected.
type PlaceholderResponseGenerator struct {
	logger *logrus.Entry
}

// NewPlaceholderResponseGenerator creates the templated generator.
func NewPlaceholderResponseGenerator(logger *logrus.Logger) *PlaceholderResponseGenerator {
	return &PlaceholderResponseGenerator{logger: logger.WithField("component", "placeholder-responder")}
}

// GenerateResponse returns the template reply for intent.
func (g *PlaceholderResponseGenerator) GenerateResponse(_ context.Context, intent protocol.Intent, parameters map[string]any, userMessage string, userContext *protocol.UserContext) (string, error) {
	fields := logrus.Fields{
		"intent":          intent,
		"parametersCount": len(parameters),
	}
	if userContext != nil {
		fields["userID"] = userContext.UserID
	}
	g.logger.WithFields(fields).Debug("Generating placeholder response")

	switch intent {
	case protocol.IntentWeather:
		return weatherResponse(parameters), nil
	case protocol.IntentIoTControl:
		return iotResponse(parameters), nil
	case protocol.IntentTime:
		return timeResponse(parameters), nil
	case protocol.IntentWebSearch:
		return webSearchResponse(parameters), nil
	case protocol.IntentTimer:
		return timerResponse(parameters), nil
	case protocol.IntentAlarm:
		return alarmResponse(parameters), nil
	case protocol.IntentMedia:
		return mediaResponse(parameters), nil
	case protocol.IntentNews:
		return newsResponse(parameters), nil
	case protocol.IntentReminder:
		return reminderResponse(parameters), nil
	case protocol.IntentHelp:
		return helpResponse, nil
	default:
		return chatResponse(userMessage, parameters), nil
	}
}

// IsHealthy always reports true.
func (g *PlaceholderResponseGenerator) IsHealthy(context.Context) bool {
	return true
}

// Version identifies the generator implementation.
func (g *PlaceholderResponseGenerator) Version() string {
	return "placeholder-llm-v1.0.0"
}

// param returns a parameter rendered as text when it carries a usable value.
func param(parameters map[string]any, key string) (string, bool) {
	value, ok := parameters[key]
	if !ok || !isPresent(value) {
		return "", false
	}
	return fmt.Sprint(value), true
}

func paramOr(parameters map[string]any, fallback string, keys ...string) string {
	for _, key := range keys {
		if value, ok := param(parameters, key); ok {
			return value
		}
	}
	return fallback
}

func withUnit(value string, parameters map[string]any) string {
	if unit, ok := param(parameters, "unit"); ok {
		return value + " " + unit
	}
	return value
}

func weatherResponse(parameters map[string]any) string {
	location, ok := param(parameters, "location")
	if !ok {
		return "I'd be happy to help you check the weather! Could you tell me which location you're interested in? Once I'm connected to a weather service, I'll provide detailed forecasts."
	}

	var coords string
	if c, ok := parameters["location_coordinates"].(*protocol.Coordinates); ok && c != nil {
		coords = fmt.Sprintf(" (%.2f, %.2f)", c.Lat, c.Long)
	}
	return fmt.Sprintf("I'd love to help you check the weather in %s%s! Once I'm connected to a weather service, I'll be able to provide real-time forecasts, temperature, humidity, and conditions for your location.", location, coords)
}

func iotResponse(parameters map[string]any) string {
	device := paramOr(parameters, "device", "device")
	action, hasAction := param(parameters, "action")
	value, hasValue := param(parameters, "value")

	var actionText string
	switch {
	case hasAction && hasValue:
		actionText = fmt.Sprintf(" to %s it to %s", action, withUnit(value, parameters))
	case hasAction:
		actionText = fmt.Sprintf(" to %s it", action)
	case hasValue:
		actionText = " to " + withUnit(value, parameters)
	}

	var locationText string
	if location, ok := param(parameters, "location"); ok {
		locationText = " in the " + location
	}

	return fmt.Sprintf("I understand you want to control your %s%s%s. That sounds perfect! Once I'm connected to your smart home system, I'll be able to control your %s and other IoT devices seamlessly.", device, locationText, actionText, device)
}

func webSearchResponse(parameters map[string]any) string {
	query := paramOr(parameters, "your query", "query", "search")
	return fmt.Sprintf("I'd be happy to search for information about %q! Once I'm connected to web search services, I'll be able to find the most relevant and up-to-date information for you from across the internet.", query)
}

func timeResponse(parameters map[string]any) string {
	if location, ok := param(parameters, "location"); ok {
		return fmt.Sprintf("I'd be happy to tell you the current time in %s! Once I'm connected to time services, I'll provide accurate local time, date, and timezone information for any location worldwide.", location)
	}
	return "I'd be glad to tell you the current time! Once my time services are connected, I'll show you the exact time, date, and even help with timezone conversions."
}

func timerResponse(parameters map[string]any) string {
	if duration, ok := param(parameters, "duration"); ok {
		if unit, ok := param(parameters, "duration_unit"); ok {
			duration += " " + unit
		}
		return fmt.Sprintf("Perfect! I'll set a timer for %s. Once my timer system is active, I'll count down and notify you when the time is up. You'll be able to set multiple timers and I'll keep track of them all!", duration)
	}
	return "I'd be happy to set a timer for you! How long would you like the timer to run? Once my timing system is connected, I'll handle all your countdown needs."
}

func alarmResponse(parameters map[string]any) string {
	var response strings.Builder
	response.WriteString("I'll set an alarm for you")
	if datetime, ok := param(parameters, "datetime"); ok {
		response.WriteString(" at " + datetime)
	}
	if label, ok := param(parameters, "label"); ok {
		response.WriteString(fmt.Sprintf(" labeled %q", label))
	}
	response.WriteString("! Once my alarm system is set up, I'll make sure you wake up or get reminded exactly when you need to. You'll be able to set multiple alarms with custom labels.")
	return response.String()
}

func mediaResponse(parameters map[string]any) string {
	var response strings.Builder
	response.WriteString("I'd love to help you play ")
	response.WriteString(paramOr(parameters, "media", "media_type"))
	if title, ok := param(parameters, "media_title"); ok {
		response.WriteString(fmt.Sprintf(" %q", title))
	}
	if service, ok := param(parameters, "service"); ok {
		response.WriteString(" on " + service)
	}
	response.WriteString("! Once I'm connected to your media services, I'll be able to control playback, find content, and manage your entertainment across all your devices.")
	return response.String()
}

func newsResponse(parameters map[string]any) string {
	var response strings.Builder
	response.WriteString("I'll get you the latest news")
	if topic, ok := param(parameters, "topic"); ok {
		response.WriteString(" about " + topic)
	}
	if location, ok := param(parameters, "location"); ok {
		response.WriteString(" from " + location)
	}
	response.WriteString("! Once I'm connected to news services, I'll provide you with current headlines, breaking news, and updates from reliable sources tailored to your interests.")
	return response.String()
}

func reminderResponse(parameters map[string]any) string {
	if datetime, ok := param(parameters, "datetime"); ok {
		return fmt.Sprintf("Got it! I'll remind you at %s. Once my reminder system is connected, I'll make sure nothing slips through the cracks.", datetime)
	}
	return "I'd be happy to set a reminder for you! When would you like me to remind you? Once my reminder system is connected, I'll keep track of everything for you."
}

const helpResponse = `I'm your AI assistant and I'm here to help! Here's what I can do:

🌤️ **Weather**: Ask me about weather conditions anywhere
🏠 **Smart Home**: Control your IoT devices with voice commands
🕐 **Time**: Get current time and date for any location
🔍 **Web Search**: Find information across the internet
⏲️ **Timers**: Set countdown timers for any duration
⏰ **Alarms**: Set alarms for specific times with custom labels
🎵 **Media**: Play music, videos, and podcasts on your devices
📰 **News**: Get latest news by topic or location
💬 **Chat**: Have natural conversations about anything

I'm still learning and connecting to services, but I'm excited to help you with all these tasks soon! What would you like to try first?`

func chatResponse(userMessage string, parameters map[string]any) string {
	if reason, _ := parameters["fallbackReason"].(string); reason == FallbackReason {
		return fmt.Sprintf("Thanks for chatting with me! You said: %q. I'm still learning to understand different requests, but I'm here to help. Could you try rephrasing your question, or let me know if you'd like help with weather, smart home control, or other tasks?", userMessage)
	}

	lower := strings.ToLower(userMessage)
	switch {
	case strings.Contains(lower, "thank"):
		return "You're very welcome! I'm happy to help. Is there anything else you'd like to know or any other way I can assist you?"
	case strings.Contains(lower, "hello"), strings.Contains(lower, "hi"), strings.Contains(lower, "hey"):
		return "Hello there! It's great to meet you. I'm your AI assistant, ready to help with weather, smart home control, reminders, searches, and more. What can I do for you today?"
	case strings.Contains(lower, "how are you"), strings.Contains(lower, "how do you feel"):
		return "I'm doing wonderful, thank you for asking! I'm excited to learn and help you with various tasks. I'm currently getting connected to different services so I can assist you better. How are you doing today?"
	case strings.Contains(lower, "goodbye"), strings.Contains(lower, "bye"), strings.Contains(lower, "see you"):
		return "Goodbye! It was great chatting with you. Feel free to come back anytime you need help with weather, smart home control, or just want to have a conversation. Take care!"
	}

	return fmt.Sprintf("That's interesting! You mentioned: %q. I enjoy our conversation. While I'm still learning and connecting to various services, I'm here to chat and help however I can. What else would you like to talk about or explore together?", userMessage)
}
