// Package ollama implements the Ollama /api/chat wire.
package ollama

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

// Adapter speaks the Ollama chat protocol. Credentials are optional; when
// an auth_ref resolves, it is sent as a bearer token for proxied servers.
type Adapter struct {
	variant models.ProviderType
	client  *http.Client
	vault   vault.Vault
}

// New creates an adapter for the ollama variant, or for local_http
// accounts that expose the Ollama wire.
func New(variant models.ProviderType, client *http.Client, v vault.Vault) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if variant != models.ProviderOllama && variant != models.ProviderLocalHTTP {
		return nil, fmt.Errorf("ollama wire does not serve provider type %q", variant)
	}
	return &Adapter{variant: variant, client: client, vault: v}, nil
}

func (a *Adapter) Type() models.ProviderType {
	return a.variant
}

func (a *Adapter) Validate(ctx context.Context, account models.ProviderAccount) (bool, error) {
	ctx, cancel := provider.ValidateContext(ctx)
	defer cancel()

	resp, err := a.do(ctx, account, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300, nil
}

func (a *Adapter) ListModels(ctx context.Context, account models.ProviderAccount) ([]string, error) {
	ctx, cancel := provider.CallContext(ctx)
	defer cancel()

	resp, err := a.do(ctx, account, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, a.httpError(resp)
	}
	var tags tagsResponse
	if err := provider.DecodeJSON(a.variant, resp.Body, &tags); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (a *Adapter) Complete(ctx context.Context, packet models.PromptPacket, account models.ProviderAccount, model string) (*models.NormalizedResponse, error) {
	ctx, cancel := provider.CallContext(ctx)
	defer cancel()

	body, err := json.Marshal(buildChatRequest(packet, model, false))
	if err != nil {
		return nil, provider.NewError(provider.KindInternal, a.variant, fmt.Errorf("marshal payload: %w", err))
	}

	resp, err := a.do(ctx, account, http.MethodPost, "/api/chat", body)
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

	out := chat.normalized()
	out.Text = chat.Message.Content
	out.RawPayload = raw
	return out, nil
}

func (a *Adapter) Stream(ctx context.Context, packet models.PromptPacket, account models.ProviderAccount, model string, onChunk func(string) error) (*models.NormalizedResponse, error) {
	ctx, cancel := provider.CallContext(ctx)
	defer cancel()

	body, err := json.Marshal(buildChatRequest(packet, model, true))
	if err != nil {
		return nil, provider.NewError(provider.KindInternal, a.variant, fmt.Errorf("marshal payload: %w", err))
	}

	resp, err := a.do(ctx, account, http.MethodPost, "/api/chat", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, a.httpError(resp)
	}

	out := &models.NormalizedResponse{FinishReason: models.FinishStop}
	collector := provider.NewCollector(onChunk)
	var failure error

	err = provider.ReadLines(resp.Body, func(line []byte) error {
		var chunk chatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			failure = provider.DecodeError(a.variant, fmt.Errorf("decode stream chunk: %w", err))
			return failure
		}
		if chunk.Error != "" {
			failure = &provider.Error{Kind: provider.KindHTTP, Provider: a.variant, Status: http.StatusInternalServerError, Body: chunk.Error}
			return failure
		}
		if err := collector.Add(chunk.Message.Content); err != nil {
			return err
		}
		if chunk.Done {
			done := chunk.normalized()
			out.FinishReason = done.FinishReason
			out.Usage = done.Usage
			return errStreamDone
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errStreamDone):
	case failure != nil:
		return nil, failure
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
	key, err := provider.Credential(ctx, a.vault, account, a.variant, false)
	if err != nil {
		return nil, err
	}

	base := provider.BaseURL(account, a.variant)
	if a.variant == models.ProviderLocalHTTP {
		// local_http defaults to an OpenAI-style /v1 root
		base = strings.TrimSuffix(base, "/v1")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
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
	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != "" {
		return provider.HTTPError(a.variant, resp, apiErr.Error)
	}
	return provider.HTTPError(a.variant, resp, strings.TrimSpace(string(raw)))
}
