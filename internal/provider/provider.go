// Package provider defines the adapter contract every provider wire speaks,
// the typed error kinds they report and the helpers they share.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"panther/internal/models"
	"panther/internal/vault"
)

const (
	// CallTimeout bounds one completion or stream call whose context
	// carries no deadline of its own.
	CallTimeout = 120 * time.Second
	// ValidateTimeout bounds an account probe.
	ValidateTimeout = 5 * time.Second

	UserAgent = "panther/0.1"
)

// DefaultBaseURLs are used when an account carries no base URL.
var DefaultBaseURLs = map[models.ProviderType]string{
	models.ProviderOpenAILike: "https://api.openai.com/v1",
	models.ProviderAnthropic:  "https://api.anthropic.com",
	models.ProviderGoogle:     "https://generativelanguage.googleapis.com/",
	models.ProviderGrok:       "https://api.x.ai/v1",
	models.ProviderOllama:     "http://127.0.0.1:11434",
	models.ProviderLocalHTTP:  "http://127.0.0.1:8080/v1",
}

// CallContext keeps the caller's deadline when there is one, so a longer
// per-conversation timeout is honoured; otherwise it applies CallTimeout.
func CallContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, CallTimeout)
}

// ValidateContext is CallContext for account probes.
func ValidateContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, ValidateTimeout)
}

// BaseURL returns the account override or the variant default, without a
// trailing slash.
func BaseURL(account models.ProviderAccount, t models.ProviderType) string {
	base := strings.TrimSpace(account.BaseURL)
	if base == "" {
		base = DefaultBaseURLs[t]
	}
	return strings.TrimRight(base, "/")
}

// Credential resolves the account's auth_ref. A missing ref or secret is a
// Config failure when required is set; otherwise it yields "".
func Credential(ctx context.Context, v vault.Vault, account models.ProviderAccount, t models.ProviderType, required bool) (string, error) {
	ref := strings.TrimSpace(account.AuthRef)
	if ref == "" {
		if required {
			return "", Errorf(KindConfig, t, "account %q has no auth_ref", account.ID)
		}
		return "", nil
	}
	if v == nil {
		return "", Errorf(KindConfig, t, "no credential vault configured for account %q", account.ID)
	}
	secret, err := vault.Lookup(ctx, v, ref)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) && !required {
			return "", nil
		}
		return "", NewError(KindConfig, t, fmt.Errorf("resolve credential for account %q: %w", account.ID, err))
	}
	return secret, nil
}

// ClampTemperature bounds t to [lo, hi].
func ClampTemperature(t *float64, lo, hi float64) *float64 {
	if t == nil {
		return nil
	}
	v := *t
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return &v
}

// Turn is one conversational entry as the wires see it.
type Turn struct {
	Role models.AuthorType
	Text string
}

// SystemBlocks returns the packet's non-empty system texts in order:
// global, persona, then system entries found in the context.
func SystemBlocks(p models.PromptPacket) []string {
	var out []string
	for _, s := range []string{p.GlobalInstructions, p.PersonaInstructions} {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	for _, msg := range p.Context {
		if msg.AuthorType == models.AuthorSystem && strings.TrimSpace(msg.Text) != "" {
			out = append(out, strings.TrimSpace(msg.Text))
		}
	}
	return out
}

// Turns returns the context followed by the user message, merging
// consecutive same-role entries so roles strictly alternate. The last turn
// is always the user's.
func Turns(p models.PromptPacket) []Turn {
	var out []Turn
	add := func(role models.AuthorType, text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Text += "\n\n" + text
			return
		}
		out = append(out, Turn{Role: role, Text: text})
	}
	for _, msg := range p.Context {
		if msg.AuthorType == models.AuthorUser || msg.AuthorType == models.AuthorAssistant {
			add(msg.AuthorType, msg.Text)
		}
	}
	add(models.AuthorUser, p.UserMessage)
	return out
}

// SafeMetadata copies md, dropping every key ending in "_secret" at any depth.
func SafeMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		if strings.HasSuffix(strings.ToLower(k), "_secret") {
			continue
		}
		out[k] = safeValue(v)
	}
	return out
}

func safeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return SafeMetadata(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = safeValue(item)
		}
		return out
	default:
		return v
	}
}

// MetadataString reads a string entry of the account metadata.
func MetadataString(account models.ProviderAccount, key string) string {
	if account.ProviderMetadata == nil {
		return ""
	}
	if s, ok := account.ProviderMetadata[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// MetadataHeaders reads provider_metadata.headers as extra request headers.
func MetadataHeaders(account models.ProviderAccount) map[string]string {
	raw, ok := account.ProviderMetadata["headers"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// DecodeJSON decodes one JSON document, reporting failures as Decode.
func DecodeJSON(p models.ProviderType, r io.Reader, target any) error {
	if err := json.NewDecoder(r).Decode(target); err != nil {
		return DecodeError(p, fmt.Errorf("decode provider response: %w", err))
	}
	return nil
}

// Collector accumulates streamed chunks and forwards them to onChunk.
type Collector struct {
	b       strings.Builder
	onChunk func(string) error
}

// NewCollector returns a collector forwarding to onChunk, which may be nil.
func NewCollector(onChunk func(string) error) *Collector {
	return &Collector{onChunk: onChunk}
}

// Add records one chunk. Empty chunks are ignored.
func (c *Collector) Add(chunk string) error {
	if chunk == "" {
		return nil
	}
	c.b.WriteString(chunk)
	if c.onChunk != nil {
		if err := c.onChunk(chunk); err != nil {
			return fmt.Errorf("deliver stream chunk: %w", err)
		}
	}
	return nil
}

// Text returns the concatenation of every chunk so far.
func (c *Collector) Text() string { return c.b.String() }

// EncodeWithHints marshals payload and overlays hints for keys the payload
// does not already set.
func EncodeWithHints(payload any, hints map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if len(hints) == 0 {
		return body, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, fmt.Errorf("merge provider hints: %w", err)
	}
	for k, v := range hints {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	body, err = json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return body, nil
}
