package prompt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panther/internal/models"
	"panther/internal/retrieval"
)

type staticGlobal struct {
	text string
	ok   bool
	err  error
}

func (s staticGlobal) ReadGlobalPrompt() (string, bool, error) { return s.text, s.ok, s.err }

type staticRetriever struct {
	rag     retrieval.RagContext
	project string
}

func (s *staticRetriever) Retrieve(_ context.Context, projectID string, _ int) (retrieval.RagContext, error) {
	s.project = projectID
	return s.rag, nil
}

func TestBuilder_AssemblesPreamble(t *testing.T) {
	ret := &staticRetriever{rag: retrieval.RagContext{CombinedText: "[source:a chunk:0]\nalpha"}}
	b := &Builder{Global: staticGlobal{text: " be careful \n", ok: true}, Retriever: ret, K: 3}

	history := []models.Message{
		models.NewMessage(models.AuthorUser, "q1"),
		models.NewMessage(models.AuthorAssistant, "a1"),
	}
	p, err := b.Build(context.Background(), BuildInput{
		Persona:     "terse",
		History:     history,
		UserMessage: "q2",
		ProjectID:   "proj",
	})
	require.NoError(t, err)
	assert.Equal(t, "be careful\n\nProject context:\n[source:a chunk:0]\nalpha", p.GlobalInstructions)
	assert.Equal(t, "terse", p.PersonaInstructions)
	assert.Equal(t, "proj", ret.project)
	assert.Len(t, p.Context, 2)
}

func TestBuilder_NoSources(t *testing.T) {
	p, err := (&Builder{}).Build(context.Background(), BuildInput{UserMessage: "hi", ProjectID: "p"})
	require.NoError(t, err)
	assert.Empty(t, p.GlobalInstructions)
}

func TestBuilder_Errors(t *testing.T) {
	_, err := (&Builder{}).Build(context.Background(), BuildInput{UserMessage: "  "})
	require.ErrorIs(t, err, models.ErrEmptyUserMessage)

	_, err = (&Builder{Global: staticGlobal{err: errors.New("denied")}}).Build(context.Background(), BuildInput{UserMessage: "x"})
	require.Error(t, err)
}
