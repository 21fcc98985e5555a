package core

import (
	"fmt"
	"sort"
	"strings"

	"parley/protocol"

	"github.com/tmc/langchaingo/prompts"
)

// Shared persona for every intent prompt
const assistantPersona = `Today is {{.today}}.
You are a friendly personal assistant reachable from a terminal, a browser or a voice device.
Answer in plain conversational text. Do NOT use XML-style tags such as <think> or <reasoning>.
Keep replies short enough to be read aloud. Services such as weather, smart home control,
search, media and news are not connected yet: acknowledge what the user asked for, repeat
the details you understood, and say that you will be able to act once the service is connected.`

// PromptTemplate is the system and user prompt pair used for one intent.
type PromptTemplate struct {
	Intent             protocol.Intent
	SystemPrompt       string
	UserPromptTemplate string
}

const defaultUserPrompt = `{{if .history}}{{.history}}

{{end}}{{if .parameters}}Details extracted from the request:
{{.parameters}}

{{end}}{{if .tool_output}}{{.tool_output}}

{{end}}Human: {{.message}}
Assistant:`

// DefaultPromptTemplates returns a prompt template for every known intent.
func DefaultPromptTemplates() map[protocol.Intent]PromptTemplate {
	focus := map[protocol.Intent]string{
		protocol.IntentChat:       "The user is making conversation. Reply warmly and keep the conversation going.",
		protocol.IntentHelp:       "The user wants to know what you can do: weather, smart home control, time, web search, timers, alarms, media, news, reminders and chat.",
		protocol.IntentWeather:    "The user is asking about the weather. Mention the location if one was given, otherwise ask for it.",
		protocol.IntentIoTControl: "The user wants to control a smart home device. Confirm the device, action, value and room you understood.",
		protocol.IntentTime:       "The user is asking for the time. Use the clock reading provided below verbatim when present.",
		protocol.IntentWebSearch:  "The user wants to search the web. Restate the query you will search for.",
		protocol.IntentTimer:      "The user wants a countdown timer. Confirm the duration or ask for one.",
		protocol.IntentAlarm:      "The user wants an alarm. Confirm the time and label you understood.",
		protocol.IntentMedia:      "The user wants to play media. Confirm the title, media type and service you understood.",
		protocol.IntentNews:       "The user wants the news. Confirm the topic and region you understood.",
		protocol.IntentReminder:   "The user wants a reminder. Confirm what and when, or ask for the missing part.",
	}

	templates := make(map[protocol.Intent]PromptTemplate, len(focus))
	for intent, instruction := range focus {
		templates[intent] = PromptTemplate{
			Intent:             intent,
			SystemPrompt:       assistantPersona + "\n\n" + instruction,
			UserPromptTemplate: defaultUserPrompt,
		}
	}
	return templates
}

// Render formats both prompts with values using Go template syntax.
func (t PromptTemplate) Render(values map[string]any) (system string, user string, err error) {
	system, err = formatTemplate(t.SystemPrompt, values)
	if err != nil {
		return "", "", fmt.Errorf("render system prompt for %s: %w", t.Intent, err)
	}
	user, err = formatTemplate(t.UserPromptTemplate, values)
	if err != nil {
		return "", "", fmt.Errorf("render user prompt for %s: %w", t.Intent, err)
	}
	return system, user, nil
}

func formatTemplate(template string, values map[string]any) (string, error) {
	tmpl := prompts.PromptTemplate{
		Template:       template,
		TemplateFormat: prompts.TemplateFormatGoTemplate,
		InputVariables: []string{"message", "parameters", "history", "today", "tool_output"},
	}
	return tmpl.Format(values)
}

// formatParameters renders intent parameters as sorted "key: value" lines.
// Internal bookkeeping keys are left out.
func formatParameters(parameters map[string]any) string {
	keys := make([]string, 0, len(parameters))
	for key := range parameters {
		switch {
		case key == "fallbackReason", key == "originalMessage":
			continue
		case strings.HasSuffix(key, "_resolved"):
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		value := parameters[key]
		if coords, ok := value.(*protocol.Coordinates); ok && coords != nil {
			lines = append(lines, fmt.Sprintf("- %s: %.2f, %.2f", key, coords.Lat, coords.Long))
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %v", key, value))
	}
	return strings.Join(lines, "\n")
}
