package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"parley/protocol"
	localtools "parley/tools"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeLLM records the prompts it receives and answers with a fixed reply.
type fakeLLM struct {
	reply string
	err   error
	empty bool

	mutex    sync.Mutex
	messages [][]llms.MessageContent
}

func (f *fakeLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mutex.Lock()
	f.messages = append(f.messages, messages)
	f.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.empty {
		return &llms.ContentResponse{}, nil
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

// prompts returns the system and user text of the last request.
func (f *fakeLLM) prompts(t *testing.T) (string, string) {
	t.Helper()
	f.mutex.Lock()
	defer f.mutex.Unlock()
	require.NotEmpty(t, f.messages)
	last := f.messages[len(f.messages)-1]
	require.Len(t, last, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, last[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, last[1].Role)
	return partText(t, last[0]), partText(t, last[1])
}

func partText(t *testing.T, message llms.MessageContent) string {
	t.Helper()
	require.Len(t, message.Parts, 1)
	text, ok := message.Parts[0].(llms.TextContent)
	require.True(t, ok)
	return text.Text
}

var fixedNow = time.Date(2024, 5, 1, 15, 4, 0, 0, time.UTC)

func newTestLLMGenerator(llm llms.Model) *LLMResponseGenerator {
	return NewLLMResponseGenerator(llm, LLMGeneratorOptions{
		Version: "test-model",
		Timeout: time.Second,
		Clock:   localtools.NewClockToolAt(func() time.Time { return fixedNow }),
		Now:     func() time.Time { return fixedNow },
	}, newTestLogger())
}

func TestCleanResponse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "  Hello there.  ", "Hello there."},
		{"think block", "<think>internal plan</think>The answer is 4.", "The answer is 4."},
		{"case insensitive multiline", "<THINK>\nstep 1\nstep 2\n</THINK>\nSure!", "Sure!"},
		{"unterminated think", "Partial answer <think>never closed", "Partial answer"},
		{"reasoning block", "<reasoning>because</reasoning>Yes.", "Yes."},
		{"collapses blank lines", "One\n\n\n\nTwo", "One\n\nTwo"},
		{"only reasoning", "<think>hmm</think>", rephraseMessage},
		{"empty", "", rephraseMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanResponse(tt.input))
		})
	}
}

func TestCleaningLLM(t *testing.T) {
	inner := &fakeLLM{reply: "<think>secret</think>\nVisible reply"}
	llm := NewCleaningLLM(inner, 100, newTestLogger())

	response, err := llm.GenerateContent(context.Background(), []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "hi"),
	})
	require.NoError(t, err)
	require.Len(t, response.Choices, 1)
	assert.Equal(t, "Visible reply", response.Choices[0].Content)

	text, err := llm.Call(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Visible reply", text)

	inner.err = errors.New("model offline")
	_, err = llm.GenerateContent(context.Background(), nil)
	assert.EqualError(t, err, "model offline")
}

func TestLLMResponseGeneratorRendersPrompt(t *testing.T) {
	llm := &fakeLLM{reply: "It is sunny."}
	generator := newTestLLMGenerator(llm)

	userContext := &protocol.UserContext{
		UserID: "u1",
		ConversationHistory: []protocol.ConversationMessage{
			{Type: protocol.MessageUser, Content: "hi"},
			{Type: protocol.MessageAssistant, Content: "hello"},
		},
	}
	parameters := map[string]any{
		"location":             "Paris",
		"location_coordinates": &protocol.Coordinates{Lat: 48.8566, Long: 2.3522},
		"location_resolved":    []protocol.ResolvedValue{{Name: "Paris"}},
	}

	reply, err := generator.GenerateResponse(context.Background(), protocol.IntentWeather, parameters, "weather in paris?", userContext)
	require.NoError(t, err)
	assert.Equal(t, "It is sunny.", reply)

	system, user := llm.prompts(t)
	assert.Contains(t, system, "Today is Wednesday, May 1, 2024.")
	assert.Contains(t, system, "asking about the weather")

	assert.Contains(t, user, "Previous conversation context:\nHuman: hi\nAssistant: hello\n")
	assert.Contains(t, user, "- location: Paris\n- location_coordinates: 48.86, 2.35")
	assert.NotContains(t, user, "location_resolved")
	assert.NotContains(t, user, "Clock reading")
	assert.True(t, strings.HasSuffix(user, "Human: weather in paris?\nAssistant:"))
}

func TestLLMResponseGeneratorMinimalPrompt(t *testing.T) {
	llm := &fakeLLM{reply: "Hi!"}
	generator := newTestLLMGenerator(llm)

	_, err := generator.GenerateResponse(context.Background(), protocol.IntentChat, NewFallbackResult("hey", 0.5).Parameters, "hey", nil)
	require.NoError(t, err)

	_, user := llm.prompts(t)
	assert.Equal(t, "Human: hey\nAssistant:", user)
}

func TestLLMResponseGeneratorReadsClockForTimeIntent(t *testing.T) {
	llm := &fakeLLM{reply: "It's 5pm in Tokyo."}
	generator := newTestLLMGenerator(llm)

	parameters := map[string]any{
		"location":          "Tokyo",
		"location_resolved": []protocol.ResolvedValue{{Name: "Tokyo", Timezone: "Asia/Tokyo"}},
	}
	_, err := generator.GenerateResponse(context.Background(), protocol.IntentTime, parameters, "what time is it in tokyo", nil)
	require.NoError(t, err)

	_, user := llm.prompts(t)
	assert.Contains(t, user, "Clock reading: Current time: Thursday, May 2, 2024 00:04 JST (2024-05-02T00:04:00+09:00)")
}

func TestLLMResponseGeneratorUnknownIntentUsesChatTemplate(t *testing.T) {
	llm := &fakeLLM{reply: "ok"}
	generator := newTestLLMGenerator(llm)

	_, err := generator.GenerateResponse(context.Background(), protocol.Intent("dance"), nil, "let's dance", nil)
	require.NoError(t, err)

	system, _ := llm.prompts(t)
	assert.Contains(t, system, "The user is making conversation.")
}

func TestLLMResponseGeneratorErrors(t *testing.T) {
	failing := newTestLLMGenerator(&fakeLLM{err: errors.New("connection refused")})
	_, err := failing.GenerateResponse(context.Background(), protocol.IntentChat, nil, "hi", nil)
	assert.ErrorContains(t, err, "connection refused")

	empty := newTestLLMGenerator(&fakeLLM{empty: true})
	_, err = empty.GenerateResponse(context.Background(), protocol.IntentChat, nil, "hi", nil)
	assert.ErrorIs(t, err, ErrEmptyGeneration)

	noTemplates := NewLLMResponseGenerator(&fakeLLM{}, LLMGeneratorOptions{
		Templates: map[protocol.Intent]PromptTemplate{},
	}, newTestLogger())
	_, err = noTemplates.GenerateResponse(context.Background(), protocol.IntentChat, nil, "hi", nil)
	assert.Error(t, err)
}

func TestLLMResponseGeneratorRespectsCancellation(t *testing.T) {
	generator := newTestLLMGenerator(&fakeLLM{reply: "late"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := generator.GenerateResponse(ctx, protocol.IntentChat, nil, "hi", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLLMResponseGeneratorHealth(t *testing.T) {
	assert.True(t, newTestLLMGenerator(&fakeLLM{reply: "pong"}).IsHealthy(context.Background()))
	assert.False(t, newTestLLMGenerator(&fakeLLM{err: errors.New("down")}).IsHealthy(context.Background()))
	assert.Equal(t, "test-model", newTestLLMGenerator(&fakeLLM{}).Version())
	assert.Equal(t, "langchaingo-v1.0.0", NewLLMResponseGenerator(&fakeLLM{}, LLMGeneratorOptions{}, newTestLogger()).Version())
}

func TestNewResponseGenerator(t *testing.T) {
	logger := newTestLogger()

	generator, err := NewResponseGenerator(&Config{LLMProvider: ProviderPlaceholder}, logger)
	require.NoError(t, err)
	assert.IsType(t, &PlaceholderResponseGenerator{}, generator)

	generator, err = NewResponseGenerator(&Config{
		LLMProvider:    ProviderOllama,
		OllamaEndpoint: "http://127.0.0.1:1",
		OllamaModel:    "qwen3",
		RequestTimeout: time.Second,
	}, logger)
	require.NoError(t, err)
	assert.Equal(t, "langchaingo-ollama-qwen3", generator.Version())

	_, err = NewResponseGenerator(&Config{LLMProvider: ProviderGemini}, logger)
	assert.Error(t, err)

	_, err = NewLanguageModel(&Config{LLMProvider: "gpt"}, logger)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
