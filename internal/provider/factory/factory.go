package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"panther/internal/models"
	"panther/internal/provider"
	anthropicProvider "panther/internal/provider/anthropic"
	googleProvider "panther/internal/provider/google"
	localProvider "panther/internal/provider/localhttp"
	ollamaProvider "panther/internal/provider/ollama"
	openaiProvider "panther/internal/provider/openai"
	"panther/internal/vault"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	localDialTimeout       = 2 * time.Second
)

// NewRegistry builds a registry holding every provider variant. The
// clients carry no overall timeout: each call is bounded by its context.
func NewRegistry(v vault.Vault) (*provider.Registry, error) {
	if v == nil {
		return nil, errors.New("vault must not be nil")
	}

	cloudClient := newHTTPClient(defaultDialTimeout)
	localClient := newHTTPClient(localDialTimeout)

	registry := provider.NewRegistry()
	register := func(name string, a provider.Adapter, err error) error {
		if err != nil {
			return fmt.Errorf("initialise %s adapter: %w", name, err)
		}
		if err := registry.Register(a); err != nil {
			return fmt.Errorf("register %s adapter: %w", name, err)
		}
		return nil
	}

	openaiAdapter, err := openaiProvider.New(models.ProviderOpenAILike, cloudClient, v)
	if err := register("openai", openaiAdapter, err); err != nil {
		return nil, err
	}
	grokAdapter, err := openaiProvider.New(models.ProviderGrok, cloudClient, v)
	if err := register("grok", grokAdapter, err); err != nil {
		return nil, err
	}
	anthropicAdapter, err := anthropicProvider.New(cloudClient, v)
	if err := register("anthropic", anthropicAdapter, err); err != nil {
		return nil, err
	}
	googleAdapter, err := googleProvider.New(cloudClient, v)
	if err := register("google", googleAdapter, err); err != nil {
		return nil, err
	}
	ollamaAdapter, err := ollamaProvider.New(models.ProviderOllama, localClient, v)
	if err := register("ollama", ollamaAdapter, err); err != nil {
		return nil, err
	}
	localAdapter, err := localProvider.New(localClient, v)
	if err := register("local_http", localAdapter, err); err != nil {
		return nil, err
	}

	return registry, nil
}

func newHTTPClient(dialTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{Transport: transport}
}
