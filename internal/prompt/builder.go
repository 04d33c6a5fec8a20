package prompt

import (
	"context"
	"fmt"
	"strings"

	"panther/internal/models"
	"panther/internal/retrieval"
)

const projectContextHeading = "Project context:"

// GlobalPromptSource supplies the optional global system prompt.
type GlobalPromptSource interface {
	ReadGlobalPrompt() (string, bool, error)
}

// ContextRetriever supplies project context.
type ContextRetriever interface {
	Retrieve(ctx context.Context, projectID string, k int) (retrieval.RagContext, error)
}

// BuildInput is the raw material of one turn.
type BuildInput struct {
	Persona     string
	History     []models.Message
	UserMessage string
	Params      models.Params
	ProjectID   string
}

// Builder assembles prompt packets from settings and project context.
// Either source may be nil.
type Builder struct {
	Global    GlobalPromptSource
	Retriever ContextRetriever
	K         int
}

// Build returns a validated packet for in.
func (b *Builder) Build(ctx context.Context, in BuildInput) (models.PromptPacket, error) {
	p := models.PromptPacket{
		PersonaInstructions: strings.TrimSpace(in.Persona),
		UserMessage:         in.UserMessage,
		Context:             append([]models.Message(nil), in.History...),
		Params:              in.Params,
		Stream:              in.Params.Stream,
	}

	if b.Global != nil {
		text, ok, err := b.Global.ReadGlobalPrompt()
		if err != nil {
			return p, fmt.Errorf("read global prompt: %w", err)
		}
		if ok {
			p.GlobalInstructions = strings.TrimSpace(text)
		}
	}

	if b.Retriever != nil && in.ProjectID != "" {
		rag, err := b.Retriever.Retrieve(ctx, in.ProjectID, b.K)
		if err != nil {
			return p, err
		}
		if !rag.Empty() {
			p.GlobalInstructions = joinBlocks(p.GlobalInstructions, projectContextHeading+"\n"+rag.CombinedText)
		}
	}

	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func joinBlocks(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n\n" + b
}
