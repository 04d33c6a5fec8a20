package router

import (
	"errors"
	"fmt"

	"panther/internal/models"
	"panther/internal/privacy"
	"panther/internal/provider"
)

var errResidualContent = errors.New("outbound packet still carries content the chain redacts")

// redactor returns the redactor for mode and the identifiers it honours,
// or nil when mode scrubs nothing.
func redactor(mode PrivacyMode, identifiers []string) (*privacy.Redactor, []string) {
	if !mode.Enabled {
		return nil, nil
	}
	var kinds []privacy.Kind
	if mode.ScrubPII {
		kinds = append(kinds, privacy.KindEmail, privacy.KindURL, privacy.KindPhone)
	} else {
		identifiers = nil
	}
	if mode.ScrubSecrets {
		kinds = append(kinds, privacy.KindSecret)
	}
	if len(kinds) == 0 {
		return nil, nil
	}
	return privacy.NewRedactor(kinds...), identifiers
}

// protect redacts every prompt field with one session. Context entries are
// redacted when mode.ScrubContext is set and withheld otherwise whenever
// they carry redactable content.
func (e *Executor) protect(p models.PromptPacket, mode PrivacyMode, identifiers []string) (models.PromptPacket, *privacy.Session, error) {
	r, ids := redactor(mode, identifiers)
	if r == nil {
		return p, nil, nil
	}

	out := p.Clone()
	texts := []string{out.GlobalInstructions, out.PersonaInstructions, out.UserMessage}
	for _, msg := range out.Context {
		texts = append(texts, msg.Text)
	}
	sess := r.NewSession(ids, texts...)

	fields := []*string{&out.GlobalInstructions, &out.PersonaInstructions, &out.UserMessage}
	for _, f := range fields {
		text, err := sess.Redact(*f)
		if err != nil {
			return p, nil, provider.NewError(provider.KindConfig, "", fmt.Errorf("redact prompt: %w", err))
		}
		*f = text
	}

	kept := out.Context[:0]
	for _, msg := range out.Context {
		if mode.ScrubContext {
			text, err := sess.Redact(msg.Text)
			if err != nil {
				return p, nil, provider.NewError(provider.KindConfig, "", fmt.Errorf("redact context: %w", err))
			}
			kept = append(kept, msg.WithText(text))
			continue
		}
		found, err := r.Contains(msg.Text, ids)
		if err != nil {
			return p, nil, provider.NewError(provider.KindConfig, "", fmt.Errorf("scan context: %w", err))
		}
		if !found {
			kept = append(kept, msg)
		}
	}
	out.Context = kept
	out.Redacted = true
	return out, sess, nil
}

// guard rejects a packet that still carries redactable content.
func guard(p models.PromptPacket, mode PrivacyMode, identifiers []string) error {
	r, ids := redactor(mode, identifiers)
	if r == nil {
		return nil
	}
	texts := []string{p.GlobalInstructions, p.PersonaInstructions, p.UserMessage}
	for _, msg := range p.Context {
		texts = append(texts, msg.Text)
	}
	for _, text := range texts {
		found, err := r.Contains(text, ids)
		if err != nil {
			return err
		}
		if found {
			return errResidualContent
		}
	}
	return nil
}
