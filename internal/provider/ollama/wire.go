package ollama

import (
	"panther/internal/models"
	"panther/internal/provider"
)

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildChatRequest folds every system block into one leading system
// message. Provider hints land in options without overriding the
// recognised parameters.
func buildChatRequest(p models.PromptPacket, model string, stream bool) chatRequest {
	var messages []message
	if blocks := provider.SystemBlocks(p); len(blocks) > 0 {
		system := blocks[0]
		for _, b := range blocks[1:] {
			system += "\n\n" + b
		}
		messages = append(messages, message{Role: "system", Content: system})
	}
	for _, t := range provider.Turns(p) {
		messages = append(messages, message{Role: string(t.Role), Content: t.Text})
	}

	options := make(map[string]any)
	for k, v := range p.Params.ExtraProviderHints {
		options[k] = v
	}
	if t := provider.ClampTemperature(p.Params.Temperature, 0, 2); t != nil {
		options["temperature"] = *t
	}
	if n := p.Params.MaxTokens; n != nil {
		options["num_predict"] = *n
	}
	if len(options) == 0 {
		options = nil
	}

	return chatRequest{Model: model, Messages: messages, Stream: stream, Options: options}
}

type chatResponse struct {
	Model           string  `json:"model"`
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
	Error           string  `json:"error,omitempty"`
}

func (r chatResponse) normalized() *models.NormalizedResponse {
	out := &models.NormalizedResponse{FinishReason: models.NormalizeFinishReason(r.DoneReason)}
	if r.PromptEvalCount > 0 || r.EvalCount > 0 {
		out.Usage = &models.Usage{
			PromptTokens:     r.PromptEvalCount,
			CompletionTokens: r.EvalCount,
			TotalTokens:      r.PromptEvalCount + r.EvalCount,
		}
	}
	return out
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}
