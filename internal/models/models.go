package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuthorType identifies who wrote a message.
type AuthorType string

const (
	AuthorUser      AuthorType = "user"
	AuthorAssistant AuthorType = "assistant"
	AuthorSystem    AuthorType = "system"
)

// Message is one immutable entry of a conversation.
type Message struct {
	ID               string         `json:"id"`
	CreatedAt        time.Time      `json:"created_at"`
	AuthorType       AuthorType     `json:"author_type"`
	Text             string         `json:"text"`
	ProviderMetadata map[string]any `json:"provider_metadata,omitempty"`
}

// NewMessage mints a message with a fresh id and the current time.
func NewMessage(author AuthorType, text string) Message {
	return Message{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		AuthorType: author,
		Text:       text,
	}
}

// WithText returns a copy of the message carrying different text.
func (m Message) WithText(text string) Message {
	m.Text = text
	return m
}

// Params holds the recognised generation options of a packet.
type Params struct {
	Temperature        *float64       `json:"temperature,omitempty"`
	MaxTokens          *int           `json:"max_tokens,omitempty"`
	Stream             bool           `json:"stream,omitempty"`
	ExtraProviderHints map[string]any `json:"extra_provider_hints,omitempty"`
}

// PromptPacket is the canonical in-flight representation of one user turn.
type PromptPacket struct {
	GlobalInstructions  string    `json:"global_instructions,omitempty"`
	PersonaInstructions string    `json:"persona_instructions,omitempty"`
	UserMessage         string    `json:"user_message"`
	Context             []Message `json:"conversation_context,omitempty"`
	Params              Params    `json:"params"`
	Stream              bool      `json:"stream,omitempty"`

	// Pseudonym is the per-turn end-user identifier sent to providers.
	Pseudonym string `json:"-"`
	// Redacted marks a packet whose text fields already went through the redactor.
	Redacted bool `json:"-"`
}

// MaxTokensLimit bounds params.max_tokens.
const MaxTokensLimit = 1 << 20

var (
	ErrEmptyUserMessage = errors.New("user message must not be empty")
	ErrRoleAlternation  = errors.New("conversation context must alternate user and assistant roles")
)

// Validate enforces the packet invariants that do not depend on a provider.
func (p PromptPacket) Validate() error {
	if strings.TrimSpace(p.UserMessage) == "" {
		return ErrEmptyUserMessage
	}

	var last AuthorType
	for i, msg := range p.Context {
		switch msg.AuthorType {
		case AuthorSystem:
			continue
		case AuthorUser, AuthorAssistant:
		default:
			return fmt.Errorf("context entry %d has unknown author type %q", i, msg.AuthorType)
		}
		if msg.AuthorType == last {
			return fmt.Errorf("%w: entry %d repeats role %q", ErrRoleAlternation, i, msg.AuthorType)
		}
		last = msg.AuthorType
	}

	if t := p.Params.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("temperature %.2f must be within [0,2]", *t)
	}
	if n := p.Params.MaxTokens; n != nil && (*n < 1 || *n > MaxTokensLimit) {
		return fmt.Errorf("max_tokens %d must be within [1,%d]", *n, MaxTokensLimit)
	}
	return nil
}

// Clone returns a deep copy of the packet's slices and maps.
func (p PromptPacket) Clone() PromptPacket {
	out := p
	if p.Context != nil {
		out.Context = make([]Message, len(p.Context))
		copy(out.Context, p.Context)
	}
	if p.Params.ExtraProviderHints != nil {
		out.Params.ExtraProviderHints = make(map[string]any, len(p.Params.ExtraProviderHints))
		for k, v := range p.Params.ExtraProviderHints {
			out.Params.ExtraProviderHints[k] = v
		}
	}
	return out
}

// SystemPreamble joins global and persona instructions into one block.
func (p PromptPacket) SystemPreamble() string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(p.GlobalInstructions); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(p.PersonaInstructions); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n")
}

// ProviderType selects the adapter variant for an account.
type ProviderType string

const (
	ProviderOpenAILike ProviderType = "openai_like"
	ProviderAnthropic  ProviderType = "anthropic"
	ProviderGoogle     ProviderType = "google"
	ProviderGrok       ProviderType = "grok"
	ProviderOllama     ProviderType = "ollama"
	ProviderLocalHTTP  ProviderType = "local_http"
)

// ProviderTypes lists every known variant.
var ProviderTypes = []ProviderType{
	ProviderOpenAILike,
	ProviderAnthropic,
	ProviderGoogle,
	ProviderGrok,
	ProviderOllama,
	ProviderLocalHTTP,
}

// Valid reports whether t is a known provider type.
func (t ProviderType) Valid() bool {
	for _, known := range ProviderTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsLocal reports whether the variant runs on the user's machine.
func (t ProviderType) IsLocal() bool {
	return t == ProviderOllama || t == ProviderLocalHTTP
}

// ProviderAccount is a configured provider endpoint.
type ProviderAccount struct {
	ID               string         `json:"id" yaml:"id" toml:"id"`
	ProviderType     ProviderType   `json:"provider_type" yaml:"provider_type" toml:"provider_type"`
	DisplayName      string         `json:"display_name" yaml:"display_name" toml:"display_name"`
	BaseURL          string         `json:"base_url,omitempty" yaml:"base_url" toml:"base_url"`
	AuthRef          string         `json:"auth_ref,omitempty" yaml:"auth_ref" toml:"auth_ref"`
	ProviderMetadata map[string]any `json:"provider_metadata,omitempty" yaml:"provider_metadata" toml:"provider_metadata"`
}

// FinishReason is the normalised reason a generation stopped.
type FinishReason string

const (
	FinishStop    FinishReason = "stop"
	FinishLength  FinishReason = "length"
	FinishRefusal FinishReason = "refusal"
	FinishOther   FinishReason = "other"
)

// NormalizeFinishReason maps provider vocabularies onto FinishReason.
func NormalizeFinishReason(raw string) FinishReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "stop", "end_turn", "stop_sequence", "eos", "finish_reason_stop":
		return FinishStop
	case "length", "max_tokens", "max_output_tokens", "finish_reason_max_tokens":
		return FinishLength
	case "refusal", "content_filter", "safety", "blocklist", "prohibited_content":
		return FinishRefusal
	default:
		return FinishOther
	}
}

// Usage records token accounting reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// IsZero reports whether no tokens were accounted.
func (u *Usage) IsZero() bool {
	return u == nil || (u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0)
}

// Total returns TotalTokens, falling back to the sum of the parts.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// NormalizedResponse is a provider reply in the canonical schema.
type NormalizedResponse struct {
	Text         string       `json:"text"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	RequestID    string       `json:"request_id,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	RawPayload   []byte       `json:"-"`
}

// UsageRecord is one append-only row of the token ledger.
type UsageRecord struct {
	ID               string            `json:"id"`
	Timestamp        time.Time         `json:"timestamp"`
	ProviderID       string            `json:"provider_id,omitempty"`
	ModelName        string            `json:"model_name"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
	TotalTokens      int               `json:"total_tokens"`
	ContextHash      string            `json:"context_hash,omitempty"`
	SourceTag        string            `json:"source_tag"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}
