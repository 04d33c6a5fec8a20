// Package localhttp implements the local_http variant: a user-run server
// that speaks either the OpenAI or the Ollama wire.
package localhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"panther/internal/models"
	"panther/internal/provider"
	ollamaProvider "panther/internal/provider/ollama"
	openaiProvider "panther/internal/provider/openai"
	"panther/internal/vault"
)

const (
	apiStyleOpenAI = "openai"
	apiStyleOllama = "ollama"
)

// Adapter delegates each call to the protocol named by the account's
// provider_metadata.api_style, defaulting to openai.
type Adapter struct {
	openaiAdapter *openaiProvider.Adapter
	ollamaAdapter *ollamaProvider.Adapter
}

// New constructs a local adapter with both protocol backends.
func New(client *http.Client, v vault.Vault) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	openaiAdapter, err := openaiProvider.New(models.ProviderLocalHTTP, client, v, openaiProvider.WithOptionalCredential())
	if err != nil {
		return nil, fmt.Errorf("initialize openai adapter: %w", err)
	}
	ollamaAdapter, err := ollamaProvider.New(models.ProviderLocalHTTP, client, v)
	if err != nil {
		return nil, fmt.Errorf("initialize ollama adapter: %w", err)
	}
	return &Adapter{openaiAdapter: openaiAdapter, ollamaAdapter: ollamaAdapter}, nil
}

func (a *Adapter) Type() models.ProviderType {
	return models.ProviderLocalHTTP
}

func (a *Adapter) delegate(account models.ProviderAccount) (provider.Adapter, error) {
	style := strings.ToLower(provider.MetadataString(account, "api_style"))
	switch style {
	case "", apiStyleOpenAI:
		return a.openaiAdapter, nil
	case apiStyleOllama:
		return a.ollamaAdapter, nil
	default:
		return nil, provider.Errorf(provider.KindConfig, models.ProviderLocalHTTP, "account %q has unsupported api_style %q", account.ID, style)
	}
}

func (a *Adapter) Validate(ctx context.Context, account models.ProviderAccount) (bool, error) {
	d, err := a.delegate(account)
	if err != nil {
		return false, err
	}
	return d.Validate(ctx, account)
}

func (a *Adapter) ListModels(ctx context.Context, account models.ProviderAccount) ([]string, error) {
	d, err := a.delegate(account)
	if err != nil {
		return nil, err
	}
	return d.ListModels(ctx, account)
}

func (a *Adapter) Complete(ctx context.Context, packet models.PromptPacket, account models.ProviderAccount, model string) (*models.NormalizedResponse, error) {
	d, err := a.delegate(account)
	if err != nil {
		return nil, err
	}
	return d.Complete(ctx, packet, account, model)
}

func (a *Adapter) Stream(ctx context.Context, packet models.PromptPacket, account models.ProviderAccount, model string, onChunk func(string) error) (*models.NormalizedResponse, error) {
	d, err := a.delegate(account)
	if err != nil {
		return nil, err
	}
	return d.Stream(ctx, packet, account, model, onChunk)
}
