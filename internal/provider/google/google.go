// Package google implements the google variant on the Gemini API client.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"google.golang.org/genai"

	"panther/internal/models"
	"panther/internal/privacy"
	"panther/internal/provider"
	"panther/internal/vault"
)

// Adapter implements the google variant.
type Adapter struct {
	client *http.Client
	vault  vault.Vault
}

// New constructs a Gemini adapter sharing client for every account.
func New(client *http.Client, v vault.Vault) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	return &Adapter{client: client, vault: v}, nil
}

func (a *Adapter) Type() models.ProviderType {
	return models.ProviderGoogle
}

func (a *Adapter) newClient(ctx context.Context, account models.ProviderAccount) (*genai.Client, error) {
	key, err := provider.Credential(ctx, a.vault, account, models.ProviderGoogle, true)
	if err != nil {
		return nil, err
	}
	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.client,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: provider.BaseURL(account, models.ProviderGoogle) + "/",
		},
	}
	if headers := provider.MetadataHeaders(account); len(headers) > 0 {
		cfg.HTTPOptions.Headers = http.Header{}
		for k, v := range headers {
			cfg.HTTPOptions.Headers.Set(k, v)
		}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, provider.NewError(provider.KindConfig, models.ProviderGoogle, fmt.Errorf("initialise gemini client: %w", err))
	}
	return client, nil
}

func (a *Adapter) Validate(ctx context.Context, account models.ProviderAccount) (bool, error) {
	ctx, cancel := provider.ValidateContext(ctx)
	defer cancel()

	client, err := a.newClient(ctx, account)
	if err != nil {
		return false, err
	}
	_, err = client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err == nil {
		return true, nil
	}
	if status, ok := apiStatus(err); ok && (status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusBadRequest) {
		return false, nil
	}
	return false, classify(ctx, err)
}

func (a *Adapter) ListModels(ctx context.Context, account models.ProviderAccount) ([]string, error) {
	ctx, cancel := provider.CallContext(ctx)
	defer cancel()

	client, err := a.newClient(ctx, account)
	if err != nil {
		return nil, err
	}
	var ids []string
	for m, err := range client.Models.All(ctx) {
		if err != nil {
			return nil, classify(ctx, err)
		}
		ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *Adapter) Complete(ctx context.Context, packet models.PromptPacket, account models.ProviderAccount, model string) (*models.NormalizedResponse, error) {
	ctx, cancel := provider.CallContext(ctx)
	defer cancel()

	client, err := a.newClient(ctx, account)
	if err != nil {
		return nil, err
	}
	resp, err := client.Models.GenerateContent(ctx, model, buildContents(packet), buildConfig(packet))
	if err != nil {
		return nil, classify(ctx, err)
	}

	out := normalize(resp)
	out.Text = resp.Text()
	if raw, err := json.Marshal(resp); err == nil {
		out.RawPayload = raw
	}
	return out, nil
}

func (a *Adapter) Stream(ctx context.Context, packet models.PromptPacket, account models.ProviderAccount, model string, onChunk func(string) error) (*models.NormalizedResponse, error) {
	ctx, cancel := provider.CallContext(ctx)
	defer cancel()

	client, err := a.newClient(ctx, account)
	if err != nil {
		return nil, err
	}

	out := &models.NormalizedResponse{FinishReason: models.FinishStop}
	collector := provider.NewCollector(onChunk)
	for resp, err := range client.Models.GenerateContentStream(ctx, model, buildContents(packet), buildConfig(packet)) {
		if err != nil {
			return nil, classify(ctx, err)
		}
		part := normalize(resp)
		if part.RequestID != "" {
			out.RequestID = part.RequestID
		}
		if part.Usage != nil {
			out.Usage = part.Usage
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
			out.FinishReason = part.FinishReason
		}
		if err := collector.Add(resp.Text()); err != nil {
			return nil, err
		}
	}
	out.Text = collector.Text()
	return out, nil
}

func buildContents(p models.PromptPacket) []*genai.Content {
	turns := provider.Turns(p)
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.Role(genai.RoleUser)
		if t.Role == models.AuthorAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	return contents
}

func buildConfig(p models.PromptPacket) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if system := strings.Join(provider.SystemBlocks(p), "\n\n"); system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if t := provider.ClampTemperature(p.Params.Temperature, 0, 2); t != nil {
		cfg.Temperature = genai.Ptr(float32(*t))
	}
	if n := p.Params.MaxTokens; n != nil {
		cfg.MaxOutputTokens = int32(*n)
	}
	return cfg
}

func normalize(resp *genai.GenerateContentResponse) *models.NormalizedResponse {
	out := &models.NormalizedResponse{FinishReason: models.FinishStop}
	if resp == nil {
		return out
	}
	out.RequestID = resp.ResponseID
	if len(resp.Candidates) > 0 {
		out.FinishReason = models.NormalizeFinishReason(string(resp.Candidates[0].FinishReason))
	} else if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		out.FinishReason = models.FinishRefusal
	}
	if u := resp.UsageMetadata; u != nil {
		usage := &models.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
		if !usage.IsZero() {
			out.Usage = usage
		}
	}
	return out
}

func apiStatus(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}

func classify(ctx context.Context, err error) error {
	if status, ok := apiStatus(err); ok {
		var msg string
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			msg = apiErr.Message
		}
		return &provider.Error{
			Kind:     provider.KindHTTP,
			Provider: models.ProviderGoogle,
			Status:   status,
			Body:     privacy.Excerpt(msg, provider.BodyExcerptLimit-len("...")),
			Err:      err,
		}
	}
	return provider.TransportError(ctx, models.ProviderGoogle, err)
}
