// Package anthropic implements the Anthropic Messages API wire.
package anthropic

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

const (
	contentTypeJSON  = "application/json"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024

	// omittedTurn opens a conversation whose retained history starts with
	// an assistant reply; the Messages API requires a user turn first.
	omittedTurn = "(earlier conversation omitted)"
)

// Adapter implements the anthropic variant.
type Adapter struct {
	client *http.Client
	vault  vault.Vault
}

// New constructs an Anthropic adapter.
func New(client *http.Client, v vault.Vault) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	return &Adapter{client: client, vault: v}, nil
}

func (a *Adapter) Type() models.ProviderType {
	return models.ProviderAnthropic
}

func (a *Adapter) Validate(ctx context.Context, account models.ProviderAccount) (bool, error) {
	ctx, cancel := provider.ValidateContext(ctx)
	defer cancel()

	resp, err := a.do(ctx, account, http.MethodGet, "/v1/models", nil)
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
		return false, httpError(resp)
	}
}

func (a *Adapter) ListModels(ctx context.Context, account models.ProviderAccount) ([]string, error) {
	ctx, cancel := provider.CallContext(ctx)
	defer cancel()

	resp, err := a.do(ctx, account, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, httpError(resp)
	}
	var list modelList
	if err := provider.DecodeJSON(models.ProviderAnthropic, resp.Body, &list); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *Adapter) Complete(ctx context.Context, packet models.PromptPacket, account models.ProviderAccount, model string) (*models.NormalizedResponse, error) {
	ctx, cancel := provider.CallContext(ctx)
	defer cancel()

	body, err := json.Marshal(buildMessagePayload(packet, model, false))
	if err != nil {
		return nil, provider.NewError(provider.KindInternal, models.ProviderAnthropic, fmt.Errorf("marshal payload: %w", err))
	}

	resp, err := a.do(ctx, account, http.MethodPost, "/v1/messages", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, httpError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.TransportError(ctx, models.ProviderAnthropic, err)
	}
	var msg messageResponse
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, provider.DecodeError(models.ProviderAnthropic, fmt.Errorf("decode message response: %w", err))
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &models.NormalizedResponse{
		Text:         text.String(),
		FinishReason: models.NormalizeFinishReason(msg.StopReason),
		RequestID:    firstNonEmpty(msg.ID, resp.Header.Get("request-id")),
		Usage:        msg.Usage.toModel(),
		RawPayload:   raw,
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, packet models.PromptPacket, account models.ProviderAccount, model string, onChunk func(string) error) (*models.NormalizedResponse, error) {
	ctx, cancel := provider.CallContext(ctx)
	defer cancel()

	body, err := json.Marshal(buildMessagePayload(packet, model, true))
	if err != nil {
		return nil, provider.NewError(provider.KindInternal, models.ProviderAnthropic, fmt.Errorf("marshal payload: %w", err))
	}

	resp, err := a.do(ctx, account, http.MethodPost, "/v1/messages", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, httpError(resp)
	}

	out := &models.NormalizedResponse{FinishReason: models.FinishStop, RequestID: resp.Header.Get("request-id")}
	usage := usageBlock{}
	collector := provider.NewCollector(onChunk)
	var failure error

	err = provider.ReadEvents(resp.Body, func(ev provider.Event) error {
		var e streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
			failure = provider.DecodeError(models.ProviderAnthropic, fmt.Errorf("decode stream event: %w", err))
			return failure
		}
		switch e.Type {
		case "message_start":
			if e.Message != nil {
				out.RequestID = firstNonEmpty(e.Message.ID, out.RequestID)
				usage.InputTokens = e.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if e.Delta != nil && e.Delta.Type == "text_delta" {
				return collector.Add(e.Delta.Text)
			}
		case "message_delta":
			if e.Delta != nil && e.Delta.StopReason != "" {
				out.FinishReason = models.NormalizeFinishReason(e.Delta.StopReason)
			}
			if e.Usage != nil {
				usage.OutputTokens = e.Usage.OutputTokens
			}
		case "message_stop":
			return errStreamDone
		case "error":
			msg := "stream error"
			if e.Error != nil && e.Error.Message != "" {
				msg = e.Error.Message
			}
			failure = &provider.Error{Kind: provider.KindHTTP, Provider: models.ProviderAnthropic, Status: http.StatusServiceUnavailable, Body: msg}
			return failure
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errStreamDone):
	case failure != nil:
		return nil, failure
	case ctx.Err() != nil:
		return nil, provider.TransportError(ctx, models.ProviderAnthropic, err)
	default:
		return nil, err
	}

	out.Text = collector.Text()
	out.Usage = usage.toModel()
	return out, nil
}

var errStreamDone = errors.New("stream done")

func (a *Adapter) do(ctx context.Context, account models.ProviderAccount, method, path string, body []byte) (*http.Response, error) {
	key, err := provider.Credential(ctx, a.vault, account, models.ProviderAnthropic, true)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, provider.BaseURL(account, models.ProviderAnthropic)+path, reader)
	if err != nil {
		return nil, provider.NewError(provider.KindConfig, models.ProviderAnthropic, fmt.Errorf("construct request: %w", err))
	}

	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", provider.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", apiVersion)
	for k, v := range provider.MetadataHeaders(account) {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, provider.TransportError(ctx, models.ProviderAnthropic, err)
	}
	return resp, nil
}

func httpError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
		return provider.HTTPError(models.ProviderAnthropic, resp, apiErr.Error.Message)
	}
	return provider.HTTPError(models.ProviderAnthropic, resp, strings.TrimSpace(string(raw)))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
