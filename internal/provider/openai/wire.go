package openai

import (
	"panther/internal/models"
	"panther/internal/provider"
)

type chatPayload struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	User          string         `json:"user,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Refusal string `json:"refusal,omitempty"`
}

// buildChatPayload keeps each system block as its own system message,
// followed by the alternating conversation.
func buildChatPayload(p models.PromptPacket, model string, stream bool) chatPayload {
	systems := provider.SystemBlocks(p)
	turns := provider.Turns(p)

	messages := make([]chatMessage, 0, len(systems)+len(turns))
	for _, s := range systems {
		messages = append(messages, chatMessage{Role: "system", Content: s})
	}
	for _, t := range turns {
		messages = append(messages, chatMessage{Role: string(t.Role), Content: t.Text})
	}

	payload := chatPayload{
		Model:       model,
		Messages:    messages,
		MaxTokens:   p.Params.MaxTokens,
		Temperature: provider.ClampTemperature(p.Params.Temperature, 0, 2),
		User:        p.Pseudonym,
	}
	if stream {
		payload.Stream = true
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return payload
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type streamChunk struct {
	ID      string         `json:"id"`
	Choices []streamChoice `json:"choices"`
	Usage   *usageBlock    `json:"usage,omitempty"`
}

type streamChoice struct {
	Index int `json:"index"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usageBlock) toModel() *models.Usage {
	if u == nil {
		return nil
	}
	return &models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}
