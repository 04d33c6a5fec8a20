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
	errClaudeInvalidContent  = errors.New("invalid message content")
	errClaudeInvalidSystem   = errors.New("invalid system prompt")
	errClaudeUnsupportedStop = errors.New("unsupported stop sequences")
)

// ClaudeMessageRequest models the Anthropic /v1/messages payload.
type ClaudeMessageRequest struct {
	Model         string
	MaxTokens     *int
	Messages      []ClaudeMessage
	System        []string
	Stream        bool
	Temperature   *float64
	StopSequences []string
	Metadata      map[string]any
}

// UnmarshalJSON enforces validation and normalises fields.
func (r *ClaudeMessageRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model         string          `json:"model"`
		MaxTokens     *int            `json:"max_tokens"`
		Messages      []ClaudeMessage `json:"messages"`
		System        json.RawMessage `json:"system"`
		Stream        bool            `json:"stream"`
		Temperature   *float64        `json:"temperature"`
		StopSequences json.RawMessage `json:"stop_sequences"`
		Metadata      map[string]any  `json:"metadata"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode claude request: %w", err)
	}

	systemPrompts, err := parseClaudeSystem(raw.System)
	if err != nil {
		return err
	}

	stopSequences, err := parseClaudeStops(raw.StopSequences)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.MaxTokens = raw.MaxTokens
	r.Messages = raw.Messages
	r.System = systemPrompts
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature
	r.StopSequences = stopSequences
	r.Metadata = raw.Metadata

	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	return nil
}

// ToRequest converts the Claude request into a conversation turn.
func (r ClaudeMessageRequest) ToRequest() (conversation.Request, error) {
	msgs := make([]turnMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, turnMessage{role: m.Role, content: m.Content})
	}

	params := models.Params{Temperature: r.Temperature, MaxTokens: r.MaxTokens, Stream: r.Stream}
	if len(r.StopSequences) > 0 {
		params.ExtraProviderHints = map[string]any{"stop": r.StopSequences}
	}

	req, err := buildRequest(r.Model, r.System, msgs, params)
	if err != nil {
		return req, err
	}
	req.ConversationID = metadataString(r.Metadata, "conversation_id")
	req.ProjectID = metadataString(r.Metadata, "project_id")
	return req, nil
}

// ClaudeMessage represents a single message in the request payload.
type ClaudeMessage struct {
	Role    string
	Content string
}

// UnmarshalJSON normalises the Claude message content structure.
func (m *ClaudeMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode claude message: %w", err)
	}

	content, err := extractClaudeContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content

	switch m.Role {
	case "user", "assistant":
	default:
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	return nil
}

func parseClaudeSystem(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if s := strings.TrimSpace(single); s != "" {
			return []string{s}, nil
		}
		return nil, nil
	}

	var blocks []claudeSystemBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type != "" && block.Type != "text" {
				return nil, fmt.Errorf("%w: unsupported block type %q", errClaudeInvalidSystem, block.Type)
			}
			if text := strings.TrimSpace(block.Text); text != "" {
				out = append(out, text)
			}
		}
		return out, nil
	}

	return nil, errClaudeInvalidSystem
}

type claudeSystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func parseClaudeStops(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var stops []string
	if err := json.Unmarshal(raw, &stops); err != nil {
		return nil, errClaudeUnsupportedStop
	}

	out := make([]string, 0, len(stops))
	for _, stop := range stops {
		if stop == "" {
			return nil, errClaudeUnsupportedStop
		}
		out = append(out, stop)
	}
	return out, nil
}

func extractClaudeContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errClaudeInvalidContent
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return "", errClaudeInvalidContent
		}
		return text, nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type != "text" {
				return "", fmt.Errorf("%w: unsupported block type %q", errClaudeInvalidContent, block.Type)
			}
			parts = append(parts, block.Text)
		}
		result := strings.Join(parts, "\n")
		if strings.TrimSpace(result) == "" {
			return "", errClaudeInvalidContent
		}
		return result, nil
	}

	return "", errClaudeInvalidContent
}

// ClaudeMessageResponse models the Anthropic response payload.
type ClaudeMessageResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Model      string            `json:"model"`
	Content    []ClaudeTextBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      ClaudeUsage       `json:"usage"`
}

// ClaudeTextBlock represents a text content block in the response.
type ClaudeTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClaudeUsage mirrors Anthropic usage format.
type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ClaudeMessageID derives the message id of a routed request.
func ClaudeMessageID(requestID string) string {
	return "msg_" + requestID
}

// FromResultClaude converts a routed result to the Anthropic format.
func FromResultClaude(res *router.Result) ClaudeMessageResponse {
	return ClaudeMessageResponse{
		ID:         ClaudeMessageID(res.RequestID),
		Type:       "message",
		Role:       "assistant",
		Model:      JoinModel(res.Provider.ID, res.Model),
		Content:    []ClaudeTextBlock{{Type: "text", Text: res.Response.Text}},
		StopReason: claudeStopReason(res.Response.FinishReason),
		Usage:      claudeUsage(res.Response.Usage),
	}
}

func claudeStopReason(r models.FinishReason) string {
	switch r {
	case models.FinishLength:
		return "max_tokens"
	case models.FinishRefusal:
		return "refusal"
	default:
		return "end_turn"
	}
}

func claudeUsage(u *models.Usage) ClaudeUsage {
	if u == nil {
		return ClaudeUsage{}
	}
	return ClaudeUsage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
}

// Event is one named server-sent event.
type Event struct {
	Name    string
	Payload any
}

// ClaudeStreamStart opens an Anthropic message stream.
func ClaudeStreamStart(id, model string) []Event {
	return []Event{
		{Name: "message_start", Payload: map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            id,
				"type":          "message",
				"role":          "assistant",
				"model":         model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         ClaudeUsage{},
			},
		}},
		{Name: "content_block_start", Payload: map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": ClaudeTextBlock{Type: "text"},
		}},
	}
}

// ClaudeStreamDelta carries one chunk of reply text.
func ClaudeStreamDelta(text string) Event {
	return Event{Name: "content_block_delta", Payload: map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text},
	}}
}

// ClaudeStreamEnd closes the stream with the final stop reason and usage.
// res may be nil when the turn failed mid-stream.
func ClaudeStreamEnd(res *router.Result) []Event {
	stop, usage := "end_turn", ClaudeUsage{}
	if res != nil && res.Response != nil {
		stop = claudeStopReason(res.Response.FinishReason)
		usage = claudeUsage(res.Response.Usage)
	}
	return []Event{
		{Name: "content_block_stop", Payload: map[string]any{"type": "content_block_stop", "index": 0}},
		{Name: "message_delta", Payload: map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
			"usage": usage,
		}},
		{Name: "message_stop", Payload: map[string]any{"type": "message_stop"}},
	}
}
