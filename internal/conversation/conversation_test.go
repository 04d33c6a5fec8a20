package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panther/internal/models"
	"panther/internal/prompt"
	"panther/internal/router"
	"panther/internal/store"
)

type echoExecutor struct {
	turns []router.Turn
	err   error
}

func (e *echoExecutor) Execute(_ context.Context, t router.Turn) (*router.Result, error) {
	e.turns = append(e.turns, t)
	if e.err != nil {
		return &router.Result{Outcome: router.OutcomeError}, e.err
	}
	return &router.Result{
		Response: &models.NormalizedResponse{Text: "re: " + t.Packet.UserMessage},
		Stage:    router.StagePrimary,
		Outcome:  router.OutcomeOK,
		Provider: models.ProviderAccount{ID: t.ProviderID},
		Model:    t.Model,
	}, nil
}

type staticPrompt string

func (s staticPrompt) ReadGlobalPrompt() (string, bool, error) { return string(s), s != "", nil }

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "panther.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRun_AppendsHistory(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	exec := &echoExecutor{}
	r := NewRunner(&prompt.Builder{Global: staticPrompt("be kind")}, exec, st, nil)

	_, err := r.Run(ctx, Request{ConversationID: "c1", ProviderID: "p", Model: "m", UserMessage: "first"})
	require.NoError(t, err)
	res, err := r.Run(ctx, Request{ConversationID: "c1", ProviderID: "p", Model: "m", UserMessage: "second"})
	require.NoError(t, err)
	assert.Equal(t, "re: second", res.Response.Text)

	require.Len(t, exec.turns, 2)
	second := exec.turns[1].Packet
	assert.Equal(t, "be kind", second.GlobalInstructions)
	require.Len(t, second.Context, 2)
	assert.Equal(t, "first", second.Context[0].Text)
	assert.Equal(t, "re: first", second.Context[1].Text)

	history, err := st.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, models.AuthorAssistant, history[3].AuthorType)
	assert.Equal(t, "p", history[3].ProviderMetadata["provider_id"])
}

func TestRun_FailedTurnLeavesHistoryUntouched(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	r := NewRunner(nil, &echoExecutor{err: errors.New("boom")}, st, nil)

	_, err := r.Run(ctx, Request{ConversationID: "c1", ProviderID: "p", Model: "m", UserMessage: "hi"})
	require.Error(t, err)

	history, err := st.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRun_ExplicitHistoryWins(t *testing.T) {
	exec := &echoExecutor{}
	r := NewRunner(nil, exec, nil, nil)

	history := []models.Message{
		models.NewMessage(models.AuthorUser, "a"),
		models.NewMessage(models.AuthorAssistant, "b"),
	}
	_, err := r.Run(context.Background(), Request{ProviderID: "p", Model: "m", UserMessage: "c", History: history})
	require.NoError(t, err)
	assert.Len(t, exec.turns[0].Packet.Context, 2)
}

func TestRun_RejectsEmptyMessage(t *testing.T) {
	exec := &echoExecutor{}
	r := NewRunner(nil, exec, nil, nil)
	_, err := r.Run(context.Background(), Request{ProviderID: "p", Model: "m", UserMessage: " "})
	require.ErrorIs(t, err, models.ErrEmptyUserMessage)
	assert.Empty(t, exec.turns)
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := NewRunner(nil, &echoExecutor{}, openStore(t), nil)

	got, err := r.Settings(ctx, "c9")
	require.NoError(t, err)
	assert.Equal(t, router.ConversationSettings{ConversationID: "c9"}, got)

	want := router.ConversationSettings{
		ConversationID:    "c9",
		TimeoutSeconds:    30,
		CustomIdentifiers: []string{"falcon"},
		Transform:         prompt.TransformConfig{Enabled: true, ContextWindow: 2048},
	}
	require.NoError(t, r.SaveSettings(ctx, want))

	got, err = r.Settings(ctx, "c9")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	exec := &echoExecutor{}
	r = NewRunner(nil, exec, r.store, nil)
	_, err = r.Run(ctx, Request{ConversationID: "c9", ProviderID: "p", Model: "m", UserMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 30, exec.turns[0].Settings.TimeoutSeconds)
}

func TestSaveSettingsWithoutStore(t *testing.T) {
	r := NewRunner(nil, &echoExecutor{}, nil, nil)
	require.Error(t, r.SaveSettings(context.Background(), router.ConversationSettings{ConversationID: "x"}))
}

func TestSettings_Defaults(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	defaults := func() router.ConversationSettings {
		return router.ConversationSettings{TimeoutSeconds: 45, CustomIdentifiers: []string{"acme"}}
	}
	r := NewRunner(nil, &echoExecutor{}, st, nil, WithDefaults(defaults))

	got, err := r.Settings(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.ConversationID)
	assert.Equal(t, 45, got.TimeoutSeconds)

	require.NoError(t, st.PutConversationSettings(ctx, "tuned", []byte(`{"custom_identifiers":["falcon"]}`)))
	got, err = r.Settings(ctx, "tuned")
	require.NoError(t, err)
	assert.Equal(t, 45, got.TimeoutSeconds, "unset fields keep their defaults")
	assert.Equal(t, []string{"falcon"}, got.CustomIdentifiers)
}
