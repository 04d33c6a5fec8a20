// Package conversation runs routed turns on behalf of the CLI and HTTP
// surfaces: it loads per-conversation settings and history, builds the
// prompt packet, executes the chain and appends the exchange to history.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"panther/internal/models"
	"panther/internal/prompt"
	"panther/internal/privacy"
	"panther/internal/router"
	"panther/internal/store"
)

// Executor runs one routed turn.
type Executor interface {
	Execute(ctx context.Context, t router.Turn) (*router.Result, error)
}

// Store persists settings and message history.
type Store interface {
	ConversationSettings(ctx context.Context, conversationID string) ([]byte, error)
	PutConversationSettings(ctx context.Context, conversationID string, settings []byte) error
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	AppendMessage(ctx context.Context, conversationID string, msg models.Message) error
}

// Request is one user turn.
type Request struct {
	ConversationID string
	RequestID      string
	ProviderID     string
	Model          string
	Persona        string
	// History overrides the stored history when non-nil.
	History     []models.Message
	UserMessage string
	Params      models.Params
	ProjectID   string
	OnChunk     func(string) error
}

// Runner ties prompt building, execution and history together.
type Runner struct {
	builder  *prompt.Builder
	executor Executor
	store    Store
	logger   *slog.Logger
	defaults func() router.ConversationSettings
}

// Option customises a Runner.
type Option func(*Runner)

// WithDefaults supplies the settings a conversation starts from. fn is
// consulted on every turn so reloaded settings apply immediately.
func WithDefaults(fn func() router.ConversationSettings) Option {
	return func(r *Runner) { r.defaults = fn }
}

// NewRunner constructs a runner. store may be nil, in which case turns are
// stateless and run with default settings.
func NewRunner(builder *prompt.Builder, executor Executor, st Store, logger *slog.Logger, opts ...Option) *Runner {
	if builder == nil {
		builder = &prompt.Builder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{builder: builder, executor: executor, store: st, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Settings returns the stored settings of a conversation laid over the
// defaults.
func (r *Runner) Settings(ctx context.Context, conversationID string) (router.ConversationSettings, error) {
	var settings router.ConversationSettings
	if r.defaults != nil {
		settings = r.defaults()
	}
	settings.ConversationID = conversationID
	if r.store == nil || conversationID == "" {
		return settings, nil
	}
	raw, err := r.store.ConversationSettings(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return settings, nil
	}
	if err != nil {
		return settings, err
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return settings, fmt.Errorf("decode settings of conversation %q: %w", conversationID, err)
	}
	settings.ConversationID = conversationID
	return settings, nil
}

// SaveSettings stores settings under their conversation id.
func (r *Runner) SaveSettings(ctx context.Context, settings router.ConversationSettings) error {
	if r.store == nil {
		return errors.New("conversation store is not configured")
	}
	if settings.ConversationID == "" {
		return errors.New("conversation id must not be empty")
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode conversation settings: %w", err)
	}
	return r.store.PutConversationSettings(ctx, settings.ConversationID, raw)
}

// Run executes one turn.
func (r *Runner) Run(ctx context.Context, req Request) (*router.Result, error) {
	settings, err := r.Settings(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	history := req.History
	if history == nil && r.store != nil && req.ConversationID != "" {
		if history, err = r.store.Messages(ctx, req.ConversationID); err != nil {
			return nil, err
		}
	}

	packet, err := r.builder.Build(ctx, prompt.BuildInput{
		Persona:     req.Persona,
		History:     history,
		UserMessage: req.UserMessage,
		Params:      req.Params,
		ProjectID:   req.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	res, err := r.executor.Execute(ctx, router.Turn{
		ConversationID: req.ConversationID,
		RequestID:      req.RequestID,
		ProviderID:     req.ProviderID,
		Model:          req.Model,
		Packet:         packet,
		Settings:       settings,
		OnChunk:        req.OnChunk,
	})
	if err != nil {
		return res, err
	}

	r.remember(ctx, req, res)
	return res, nil
}

func (r *Runner) remember(ctx context.Context, req Request, res *router.Result) {
	if r.store == nil || req.ConversationID == "" || res.Response == nil {
		return
	}
	asked := models.NewMessage(models.AuthorUser, req.UserMessage)
	reply := models.NewMessage(models.AuthorAssistant, res.Response.Text)
	// history is ordered by creation time
	if !reply.CreatedAt.After(asked.CreatedAt) {
		reply.CreatedAt = asked.CreatedAt.Add(time.Nanosecond)
	}
	reply.ProviderMetadata = map[string]any{
		"provider_id": res.Provider.ID,
		"model":       res.Model,
		"stage":       string(res.Stage),
	}
	for _, msg := range []models.Message{asked, reply} {
		if err := r.store.AppendMessage(context.WithoutCancel(ctx), req.ConversationID, msg); err != nil {
			r.logger.Warn("history not stored",
				"event_type", "history_error",
				"request_id", res.RequestID,
				"conversation_id", req.ConversationID,
				"error_type", privacy.SanitizeError(err))
			return
		}
	}
}
