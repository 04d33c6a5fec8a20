package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"panther/internal/models"
	"panther/internal/prompt"
	"panther/internal/provider"
	"panther/internal/store"
)

// DefaultTimeout bounds one adapter call when settings name no timeout.
const DefaultTimeout = provider.CallTimeout

// ErrProviderMissing reports a chain that names an unknown account. It is
// always wrapped in a provider Config error.
var ErrProviderMissing = errors.New("provider account does not exist")

// AccountSource looks provider accounts up by id.
type AccountSource interface {
	Account(ctx context.Context, id string) (models.ProviderAccount, error)
}

// ConversationSettings are the per-conversation knobs of a turn.
type ConversationSettings struct {
	ConversationID    string                 `json:"conversation_id"`
	TimeoutSeconds    int                    `json:"timeout_seconds,omitempty"`
	CustomIdentifiers []string               `json:"custom_identifiers,omitempty"`
	Transform         prompt.TransformConfig `json:"transform"`
}

// Timeout is the per-call budget derived from the settings.
func (s ConversationSettings) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return DefaultTimeout
}

// Triggers select which primary outcomes escalate to the other stage.
type Triggers struct {
	OnTimeout        bool `json:"on_timeout"`
	OnEmptyShort     bool `json:"on_empty_short"`
	OnRefusalGeneric bool `json:"on_refusal_generic"`
}

// PrivacyMode controls redaction of outbound packets.
type PrivacyMode struct {
	Enabled         bool `json:"enabled"`
	ScrubPII        bool `json:"scrub_pii"`
	ScrubSecrets    bool `json:"scrub_secrets"`
	ScrubContext    bool `json:"scrub_context"`
	RestoreResponse bool `json:"restore_response"`
}

// Fallback is the secondary stage of a chain.
type Fallback struct {
	Account models.ProviderAccount
	Model   string
}

// ResolvedChain is the effective routing plan of one turn.
type ResolvedChain struct {
	Primary            models.ProviderAccount
	Fallback           *Fallback
	Triggers           Triggers
	Privacy            PrivacyMode
	Preprocess         prompt.PreprocessOptions
	LocalFirst         bool
	CloudModelOverride string
	RequireSafetyBlock bool
	Timeout            time.Duration
}

// Resolver builds chains from stored accounts.
type Resolver struct {
	accounts AccountSource
}

// NewResolver returns a resolver over accounts.
func NewResolver(accounts AccountSource) *Resolver {
	return &Resolver{accounts: accounts}
}

// Resolve builds the chain for providerID, reading the hybrid block of
// its provider_metadata.
func (r *Resolver) Resolve(ctx context.Context, settings ConversationSettings, providerID string) (ResolvedChain, error) {
	primary, err := r.account(ctx, providerID)
	if err != nil {
		return ResolvedChain{}, err
	}

	hybrid := mapAt(primary.ProviderMetadata, "hybrid")
	chain := ResolvedChain{
		Primary:            primary,
		Triggers:           parseTriggers(mapAt(hybrid, "triggers")),
		Privacy:            parsePrivacy(mapAt(hybrid, "privacy")),
		Preprocess:         parsePreprocess(mapAt(hybrid, "preprocess")),
		LocalFirst:         boolAt(hybrid, "local_first", false),
		CloudModelOverride: stringAt(hybrid, "cloud_model_override"),
		RequireSafetyBlock: boolAt(hybrid, "require_safety_block", false),
		Timeout:            settings.Timeout(),
	}

	if id := stringAt(hybrid, "fallback_provider_id"); id != "" {
		account, err := r.account(ctx, id)
		if err != nil {
			return ResolvedChain{}, err
		}
		model := stringAt(hybrid, "fallback_model")
		if model == "" {
			model = stringAt(account.ProviderMetadata, "default_model")
		}
		chain.Fallback = &Fallback{Account: account, Model: model}
	}
	return chain, nil
}

func (r *Resolver) account(ctx context.Context, id string) (models.ProviderAccount, error) {
	if id == "" {
		return models.ProviderAccount{}, provider.Errorf(provider.KindConfig, "", "%w: empty provider id", ErrProviderMissing)
	}
	account, err := r.accounts.Account(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.ProviderAccount{}, provider.Errorf(provider.KindConfig, "", "%w: %q", ErrProviderMissing, id)
	}
	if err != nil {
		return models.ProviderAccount{}, fmt.Errorf("load provider account %q: %w", id, err)
	}
	if !account.ProviderType.Valid() {
		return models.ProviderAccount{}, provider.Errorf(provider.KindUnsupported, account.ProviderType, "account %q has unknown provider type", id)
	}
	return account, nil
}

func parseTriggers(m map[string]any) Triggers {
	return Triggers{
		OnTimeout:        boolAt(m, "on_timeout", true),
		OnEmptyShort:     boolAt(m, "on_empty_short", false),
		OnRefusalGeneric: boolAt(m, "on_refusal_generic", false),
	}
}

func parsePrivacy(m map[string]any) PrivacyMode {
	p := PrivacyMode{Enabled: boolAt(m, "enabled", false)}
	if !p.Enabled {
		return p
	}
	p.ScrubPII = boolAt(m, "scrub_pii", true)
	p.ScrubSecrets = boolAt(m, "scrub_secrets", true)
	p.ScrubContext = boolAt(m, "scrub_context", false)
	p.RestoreResponse = boolAt(m, "restore_response", false)
	return p
}

func parsePreprocess(m map[string]any) prompt.PreprocessOptions {
	o := prompt.PreprocessOptions{Enabled: boolAt(m, "enabled", false)}
	if !o.Enabled {
		return o
	}
	o.RemoveBOM = boolAt(m, "remove_bom", true)
	o.StripControls = boolAt(m, "strip_controls", true)
	o.NormalizeWS = boolAt(m, "normalize_ws", true)
	o.StandardizePunct = boolAt(m, "standardize_punct", true)
	if n := intAt(m, "max_chars"); n > 0 {
		o.MaxChars = n
	}
	return o
}

func mapAt(m map[string]any, key string) map[string]any {
	switch v := m[key].(type) {
	case map[string]any:
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if s, ok := k.(string); ok {
				out[s] = val
			}
		}
		return out
	}
	return nil
}

func boolAt(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intAt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
