// Package translator converts OpenAI and Anthropic wire payloads into
// routed turns and routed results back into wire payloads.
package translator

import (
	"errors"
	"fmt"
	"strings"

	"panther/internal/conversation"
	"panther/internal/models"
)

var (
	errEmptyModel    = errors.New("model must be provided")
	errModelFormat   = errors.New(`model must have the form "<provider_id>/<model>"`)
	errEmptyMessages = errors.New("at least one message is required")
	errLastNotUser   = errors.New("the last message must come from the user")
	errInvalidRole   = errors.New("invalid role")
)

// SplitModel splits "<provider_id>/<model>". The model part may itself
// contain slashes.
func SplitModel(raw string) (providerID, model string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", errEmptyModel
	}
	providerID, model, ok := strings.Cut(raw, "/")
	providerID, model = strings.TrimSpace(providerID), strings.TrimSpace(model)
	if !ok || providerID == "" || model == "" {
		return "", "", fmt.Errorf("%w, got %q", errModelFormat, raw)
	}
	return providerID, model, nil
}

// JoinModel is the inverse of SplitModel.
func JoinModel(providerID, model string) string {
	return providerID + "/" + model
}

type turnMessage struct {
	role    string
	content string
}

// buildRequest folds system messages into the persona and splits the
// final user message from the history.
func buildRequest(model string, system []string, msgs []turnMessage, params models.Params) (conversation.Request, error) {
	providerID, modelName, err := SplitModel(model)
	if err != nil {
		return conversation.Request{}, err
	}
	if len(msgs) == 0 {
		return conversation.Request{}, errEmptyMessages
	}

	persona := append([]string(nil), system...)
	history := make([]models.Message, 0, len(msgs))
	for i, m := range msgs {
		switch m.role {
		case "system":
			persona = append(persona, m.content)
		case "user":
			history = append(history, models.NewMessage(models.AuthorUser, m.content))
		case "assistant":
			history = append(history, models.NewMessage(models.AuthorAssistant, m.content))
		default:
			return conversation.Request{}, fmt.Errorf("messages[%d]: %w: %s", i, errInvalidRole, m.role)
		}
	}
	if len(history) == 0 || history[len(history)-1].AuthorType != models.AuthorUser {
		return conversation.Request{}, errLastNotUser
	}

	last := history[len(history)-1]
	return conversation.Request{
		ProviderID:  providerID,
		Model:       modelName,
		Persona:     strings.Join(nonEmpty(persona), "\n\n"),
		History:     history[:len(history)-1],
		UserMessage: last.Text,
		Params:      params,
	}, nil
}

func nonEmpty(items []string) []string {
	out := items[:0]
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func finishReason(r models.FinishReason) string {
	switch r {
	case models.FinishLength:
		return "length"
	case models.FinishRefusal:
		return "content_filter"
	default:
		return "stop"
	}
}
