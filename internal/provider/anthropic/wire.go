package anthropic

import (
	"strings"

	"panther/internal/models"
	"panther/internal/provider"
)

type messagePayload struct {
	Model       string           `json:"model"`
	Messages    []message        `json:"messages"`
	System      string           `json:"system,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
	Metadata    *payloadMetadata `json:"metadata,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

type payloadMetadata struct {
	UserID string `json:"user_id"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func buildMessagePayload(p models.PromptPacket, model string, stream bool) messagePayload {
	turns := provider.Turns(p)
	if len(turns) > 0 && turns[0].Role == models.AuthorAssistant {
		turns = append([]provider.Turn{{Role: models.AuthorUser, Text: omittedTurn}}, turns...)
	}

	messages := make([]message, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, message{
			Role:    string(t.Role),
			Content: []contentBlock{{Type: "text", Text: t.Text}},
		})
	}

	payload := messagePayload{
		Model:       model,
		Messages:    messages,
		System:      strings.Join(provider.SystemBlocks(p), "\n\n"),
		MaxTokens:   defaultMaxTokens,
		Temperature: provider.ClampTemperature(p.Params.Temperature, 0, 1),
		Stream:      stream,
	}
	if p.Params.MaxTokens != nil {
		payload.MaxTokens = *p.Params.MaxTokens
	}
	if p.Pseudonym != "" {
		payload.Metadata = &payloadMetadata{UserID: p.Pseudonym}
	}
	return payload
}

type messageResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Usage      usageBlock     `json:"usage"`
	StopReason string         `json:"stop_reason"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u usageBlock) toModel() *models.Usage {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return nil
	}
	return &models.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string     `json:"id"`
		Usage usageBlock `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *usageBlock `json:"usage,omitempty"`
	Error *apiError   `json:"error,omitempty"`
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
