package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"panther/internal/conversation"
	"panther/internal/models"
	"panther/internal/router"
)

var (
	errUnsupportedStop = errors.New("unsupported stop value")
	errInvalidContent  = errors.New("invalid message content")
)

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// The model field selects the route as "<provider_id>/<model>"; metadata
// may carry conversation_id and project_id.
type ChatCompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Stream      bool
	MaxTokens   *int
	Temperature *float64
	Stop        []string
	Metadata    map[string]any
	User        string
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model               string          `json:"model"`
		Messages            []ChatMessage   `json:"messages"`
		Stream              bool            `json:"stream"`
		MaxTokens           *int            `json:"max_tokens"`
		MaxCompletionTokens *int            `json:"max_completion_tokens"`
		Temperature         *float64        `json:"temperature"`
		Stop                json.RawMessage `json:"stop"`
		Metadata            map[string]any  `json:"metadata"`
		User                string          `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	if r.MaxTokens == nil {
		r.MaxTokens = raw.MaxCompletionTokens
	}
	r.Temperature = raw.Temperature
	r.Stop = stopValues
	r.Metadata = raw.Metadata
	r.User = strings.TrimSpace(raw.User)

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	return nil
}

// ToRequest converts the OpenAI request into a conversation turn.
func (r ChatCompletionRequest) ToRequest() (conversation.Request, error) {
	msgs := make([]turnMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, turnMessage{role: m.Role, content: m.Content})
	}

	params := models.Params{Temperature: r.Temperature, MaxTokens: r.MaxTokens, Stream: r.Stream}
	if len(r.Stop) > 0 {
		params.ExtraProviderHints = map[string]any{"stop": r.Stop}
	}

	req, err := buildRequest(r.Model, nil, msgs, params)
	if err != nil {
		return req, err
	}
	req.ConversationID = metadataString(r.Metadata, "conversation_id")
	req.ProjectID = metadataString(r.Metadata, "project_id")
	return req, nil
}

func metadataString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string
	Content string
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content

	return m.validate()
}

func (m *ChatMessage) validate() error {
	switch m.Role {
	case "system", "developer":
		m.Role = "system"
	case "user", "assistant":
	default:
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			item = strings.TrimSpace(item)
			if item == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *OpenAIUsage `json:"usage,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *WireMessage `json:"message,omitempty"`
	Delta        *WireMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

// WireMessage is an outbound message or stream delta.
type WireMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionID derives the response id of a routed request.
func ChatCompletionID(requestID string) string {
	return "chatcmpl-" + requestID
}

// FromResultChat constructs the OpenAI response shape from a routed result.
func FromResultChat(res *router.Result, createdUnix int64) ChatCompletionResponse {
	finish := finishReason(res.Response.FinishReason)
	return ChatCompletionResponse{
		ID:      ChatCompletionID(res.RequestID),
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   JoinModel(res.Provider.ID, res.Model),
		Choices: []ChatChoice{{
			Message:      &WireMessage{Role: "assistant", Content: res.Response.Text},
			FinishReason: &finish,
		}},
		Usage: openAIUsage(res.Response.Usage),
	}
}

func openAIUsage(u *models.Usage) *OpenAIUsage {
	if u.IsZero() {
		return nil
	}
	return &OpenAIUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.Total(),
	}
}

// ChatChunk is one chat.completion.chunk stream event. An empty finish
// reason leaves the choice open.
func ChatChunk(id, model string, createdUnix int64, content, finish string) ChatCompletionResponse {
	choice := ChatChoice{Delta: &WireMessage{Content: content}}
	if finish != "" {
		choice.Delta = &WireMessage{}
		choice.FinishReason = &finish
	}
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: createdUnix,
		Model:   model,
		Choices: []ChatChoice{choice},
	}
}

// FinishReasonOf maps a routed result to the OpenAI finish reason.
func FinishReasonOf(res *router.Result) string {
	if res == nil || res.Response == nil {
		return "stop"
	}
	return finishReason(res.Response.FinishReason)
}
