// Package openai implements the OpenAI chat-completions wire used by the
// openai_like and grok variants and by OpenAI-style local servers.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"panther/internal/models"
	"panther/internal/provider"
	"panther/internal/vault"
)

const contentTypeJSON = "application/json"

// Adapter speaks the chat-completions protocol for one variant.
type Adapter struct {
	variant            models.ProviderType
	client             *http.Client
	vault              vault.Vault
	credentialOptional bool
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithOptionalCredential lets accounts without an auth_ref call the
// endpoint unauthenticated, as local servers expect.
func WithOptionalCredential() Option {
	return func(a *Adapter) { a.credentialOptional = true }
}

// New creates an adapter for variant.
func New(variant models.ProviderType, client *http.Client, v vault.Vault, opts ...Option) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	switch variant {
	case models.ProviderOpenAILike, models.ProviderGrok, models.ProviderLocalHTTP:
	default:
		return nil, fmt.Errorf("openai wire does not serve provider type %q", variant)
	}
	a := &Adapter{variant: variant, client: client, vault: v}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) Type() models.ProviderType {
	return a.variant
}

func (a *Adapter) Validate(ctx context.Context, account models.ProviderAccount) (bool, error) {
	ctx, cancel := provider.ValidateContext(ctx)
	defer cancel()

	resp, err := a.do(ctx, account, http.MethodGet, "/models", nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, a.httpError(resp)
	}
}

func (a *Adapter) ListModels(ctx context.Context, account models.ProviderAccount) ([]string, error) {
	ctx, cancel := provider.CallContext(ctx)
	defer cancel()

	resp, err := a.do(ctx, account, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, a.httpError(resp)
	}

	var list modelList
	if err := provider.DecodeJSON(a.variant, resp.Body, &list); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *Adapter) Complete(ctx context.Context, packet models.PromptPacket, account models.ProviderAccount, model string) (*models.NormalizedResponse, error) {
	ctx, cancel := provider.CallContext(ctx)
	defer cancel()

	body, err := provider.EncodeWithHints(buildChatPayload(packet, model, false), packet.Params.ExtraProviderHints)
	if err != nil {
		return nil, provider.NewError(provider.KindInternal, a.variant, err)
	}

	resp, err := a.do(ctx, account, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, a.httpError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.TransportError(ctx, a.variant, err)
	}
	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, provider.DecodeError(a.variant, fmt.Errorf("decode chat response: %w", err))
	}
	if len(chat.Choices) == 0 {
		return nil, provider.DecodeError(a.variant, errors.New("chat response did not include choices"))
	}

	choice := chat.Choices[0]
	finish := models.NormalizeFinishReason(choice.FinishReason)
	if choice.Message.Refusal != "" && choice.Message.Content == "" {
		finish = models.FinishRefusal
	}
	return &models.NormalizedResponse{
		Text:         choice.Message.Content,
		FinishReason: finish,
		RequestID:    firstNonEmpty(chat.ID, resp.Header.Get("x-request-id")),
		Usage:        chat.Usage.toModel(),
		RawPayload:   raw,
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, packet models.PromptPacket, account models.ProviderAccount, model string, onChunk func(string) error) (*models.NormalizedResponse, error) {
	ctx, cancel := provider.CallContext(ctx)
	defer cancel()

	body, err := provider.EncodeWithHints(buildChatPayload(packet, model, true), packet.Params.ExtraProviderHints)
	if err != nil {
		return nil, provider.NewError(provider.KindInternal, a.variant, err)
	}

	resp, err := a.do(ctx, account, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, a.httpError(resp)
	}

	out := &models.NormalizedResponse{FinishReason: models.FinishStop, RequestID: resp.Header.Get("x-request-id")}
	collector := provider.NewCollector(onChunk)
	var decodeErr error

	err = provider.ReadEvents(resp.Body, func(ev provider.Event) error {
		if ev.Data == "[DONE]" {
			return errStreamDone
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			decodeErr = fmt.Errorf("decode stream chunk: %w", err)
			return decodeErr
		}
		if chunk.ID != "" && out.RequestID == "" {
			out.RequestID = chunk.ID
		}
		if u := chunk.Usage.toModel(); u != nil {
			out.Usage = u
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				out.FinishReason = models.NormalizeFinishReason(choice.FinishReason)
			}
			if err := collector.Add(choice.Delta.Content); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errStreamDone):
	case decodeErr != nil:
		return nil, provider.DecodeError(a.variant, decodeErr)
	case ctx.Err() != nil:
		return nil, provider.TransportError(ctx, a.variant, err)
	default:
		return nil, err
	}

	out.Text = collector.Text()
	return out, nil
}

var errStreamDone = errors.New("stream done")

func (a *Adapter) do(ctx context.Context, account models.ProviderAccount, method, path string, body []byte) (*http.Response, error) {
	key, err := provider.Credential(ctx, a.vault, account, a.variant, !a.credentialOptional)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, provider.BaseURL(account, a.variant)+path, reader)
	if err != nil {
		return nil, provider.NewError(provider.KindConfig, a.variant, fmt.Errorf("construct request: %w", err))
	}

	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", provider.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if org := provider.MetadataString(account, "organization"); org != "" {
		req.Header.Set("OpenAI-Organization", org)
	}
	for k, v := range provider.MetadataHeaders(account) {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, provider.TransportError(ctx, a.variant, err)
	}
	return resp, nil
}

func (a *Adapter) httpError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
		return provider.HTTPError(a.variant, resp, apiErr.Error.Message)
	}
	return provider.HTTPError(a.variant, resp, strings.TrimSpace(string(raw)))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
