package sampling

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-runtime-go/mcp"
)

// UserText returns a SamplingMessage authored by the user with a single text block.
func UserText(text string) mcp.SamplingMessage {
	return mcp.SamplingMessage{Role: mcp.RoleUser, Content: mcp.TextContent(text)}
}

// AssistantText returns a SamplingMessage authored by the assistant with a single text block.
func AssistantText(text string) mcp.SamplingMessage {
	return mcp.SamplingMessage{Role: mcp.RoleAssistant, Content: mcp.TextContent(text)}
}

// Option mutates a CreateMessageRequest during construction.
type Option func(*mcp.CreateMessageRequest)

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(r *mcp.CreateMessageRequest) { r.SystemPrompt = prompt }
}

// WithMaxTokens sets the MaxTokens field.
func WithMaxTokens(n int) Option {
	return func(r *mcp.CreateMessageRequest) { r.MaxTokens = n }
}

// WithTemperature sets the Temperature field.
func WithTemperature(t float64) Option {
	return func(r *mcp.CreateMessageRequest) { r.Temperature = t }
}

// WithStopSequences sets stop sequences.
func WithStopSequences(stops ...string) Option {
	return func(r *mcp.CreateMessageRequest) { r.StopSequences = append([]string(nil), stops...) }
}

// WithModelPreferences sets model preferences.
func WithModelPreferences(prefs *mcp.ModelPreferences) Option {
	return func(r *mcp.CreateMessageRequest) { r.ModelPreferences = prefs }
}

// WithHistory prepends prior turns ahead of the messages given to New.
func WithHistory(msgs ...mcp.SamplingMessage) Option {
	return func(r *mcp.CreateMessageRequest) {
		r.Messages = append(append([]mcp.SamplingMessage(nil), msgs...), r.Messages...)
	}
}

// New constructs a *CreateMessageRequest from the provided messages and options.
func New(msgs []mcp.SamplingMessage, opts ...Option) *mcp.CreateMessageRequest {
	r := &mcp.CreateMessageRequest{Messages: append([]mcp.SamplingMessage(nil), msgs...)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate performs sanity checks on a CreateMessageRequest before it is sent.
func Validate(r *mcp.CreateMessageRequest) error {
	if r == nil {
		return errors.New("nil request")
	}
	if len(r.Messages) == 0 {
		return errors.New("no messages provided")
	}
	for i, m := range r.Messages {
		if m.Role != mcp.RoleUser && m.Role != mcp.RoleAssistant {
			return fmt.Errorf("invalid role %q in message %d", m.Role, i)
		}
		if m.Content.Type == "" {
			return fmt.Errorf("empty content type in message %d", i)
		}
	}
	return nil
}
