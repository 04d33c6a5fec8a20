package prompt

import (
	"fmt"
	"unicode/utf8"

	"panther/internal/models"
	"panther/internal/privacy"
)

// TransformConfig controls the final packet shaping for one provider.
type TransformConfig struct {
	Enabled        bool                `json:"enabled" yaml:"enabled" toml:"enabled"`
	Sensitivity    float64             `json:"sensitivity" yaml:"sensitivity" toml:"sensitivity"`
	MaskPII        bool                `json:"mask_pii" yaml:"mask_pii" toml:"mask_pii"`
	ContextWindow  int                 `json:"context_window" yaml:"context_window" toml:"context_window"`
	TargetProvider models.ProviderType `json:"target_provider,omitempty" yaml:"target_provider" toml:"target_provider"`
	// RewriteKey enables the semantic-invariant rewrite when non-empty.
	RewriteKey  string   `json:"rewrite_key,omitempty" yaml:"rewrite_key" toml:"rewrite_key"`
	Identifiers []string `json:"-" yaml:"-" toml:"-"`
}

// EstimateTokens is a rough token count: one token per four runes.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// EstimatePacketTokens sums the estimate over every text field.
func EstimatePacketTokens(p models.PromptPacket) int {
	total := EstimateTokens(p.GlobalInstructions) +
		EstimateTokens(p.PersonaInstructions) +
		EstimateTokens(p.UserMessage)
	for _, msg := range p.Context {
		total += EstimateTokens(msg.Text)
	}
	return total
}

// Transform shapes p for cfg.TargetProvider. A disabled config returns p unchanged.
func Transform(p models.PromptPacket, cfg TransformConfig) (models.PromptPacket, error) {
	if !cfg.Enabled {
		return p, nil
	}
	if cfg.Sensitivity < 0 || cfg.Sensitivity > 1 {
		return p, fmt.Errorf("transform sensitivity %.2f must be within [0,1]", cfg.Sensitivity)
	}

	out := optimizerFor(cfg.TargetProvider)(p.Clone())

	if cfg.MaskPII && !out.Redacted {
		masked, err := maskPacket(out, cfg.Identifiers)
		if err != nil {
			return p, err
		}
		out = masked
	}

	if cfg.ContextWindow > 0 {
		out = fitContext(out, cfg.ContextWindow)
	}

	if cfg.RewriteKey != "" {
		out.UserMessage = Rewrite(out.UserMessage, cfg.RewriteKey)
	}
	return out, nil
}

type optimizer func(models.PromptPacket) models.PromptPacket

func optimizerFor(t models.ProviderType) optimizer {
	switch t {
	case models.ProviderAnthropic, models.ProviderGoogle, models.ProviderOllama, models.ProviderLocalHTTP:
		return singleSystem
	default:
		return dualSystem
	}
}

// singleSystem folds persona instructions into one system block.
func singleSystem(p models.PromptPacket) models.PromptPacket {
	p.GlobalInstructions = p.SystemPreamble()
	p.PersonaInstructions = ""
	return p
}

// dualSystem keeps global and persona instructions as separate system turns.
// A persona without global instructions is promoted to the first slot.
func dualSystem(p models.PromptPacket) models.PromptPacket {
	if p.GlobalInstructions == "" && p.PersonaInstructions != "" {
		p.GlobalInstructions, p.PersonaInstructions = p.PersonaInstructions, ""
	}
	return p
}

func maskPacket(p models.PromptPacket, identifiers []string) (models.PromptPacket, error) {
	texts := []string{p.UserMessage}
	for _, msg := range p.Context {
		texts = append(texts, msg.Text)
	}
	sess := privacy.NewRedactor().NewSession(identifiers, texts...)

	text, err := sess.Redact(p.UserMessage)
	if err != nil {
		return p, fmt.Errorf("mask user message: %w", err)
	}
	p.UserMessage = text
	for i, msg := range p.Context {
		text, err := sess.Redact(msg.Text)
		if err != nil {
			return p, fmt.Errorf("mask context entry %d: %w", i, err)
		}
		p.Context[i] = msg.WithText(text)
	}
	p.Redacted = true
	return p, nil
}

// fitContext drops the oldest context entries, sparing the last assistant
// turn, until the packet estimate fits window.
func fitContext(p models.PromptPacket, window int) models.PromptPacket {
	if EstimatePacketTokens(p) <= window {
		return p
	}

	lastAssistant := -1
	for i := len(p.Context) - 1; i >= 0; i-- {
		if p.Context[i].AuthorType == models.AuthorAssistant {
			lastAssistant = i
			break
		}
	}

	kept := make([]models.Message, 0, len(p.Context))
	budget := EstimatePacketTokens(p)
	for i, msg := range p.Context {
		if budget > window && i != lastAssistant {
			budget -= EstimateTokens(msg.Text)
			continue
		}
		kept = append(kept, msg)
	}
	p.Context = kept
	return p
}
