package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"panther/internal/models"
)

// ErrDuplicateAdapter indicates an attempt to register the same variant twice.
var ErrDuplicateAdapter = errors.New("adapter already registered")

// Adapter speaks one provider wire protocol.
type Adapter interface {
	Type() models.ProviderType
	// Validate performs a cheap authenticated probe of the account.
	Validate(ctx context.Context, account models.ProviderAccount) (bool, error)
	ListModels(ctx context.Context, account models.ProviderAccount) ([]string, error)
	Complete(ctx context.Context, packet models.PromptPacket, account models.ProviderAccount, model string) (*models.NormalizedResponse, error)
	// Stream delivers chunks to onChunk in arrival order. The returned
	// response text is the concatenation of every chunk.
	Stream(ctx context.Context, packet models.PromptPacket, account models.ProviderAccount, model string, onChunk func(string) error) (*models.NormalizedResponse, error)
}

// Registry maps provider types to adapters. It is filled once at startup
// and read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ProviderType]Adapter
}

// NewRegistry constructs an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.ProviderType]Adapter)}
}

// Register adds an adapter under its own type.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return errors.New("adapter must not be nil")
	}
	t := a.Type()
	if !t.Valid() {
		return fmt.Errorf("adapter reports unknown provider type %q", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, t)
	}
	r.adapters[t] = a
	return nil
}

// Get returns the adapter for t.
func (r *Registry) Get(t models.ProviderType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[t]
	if !ok {
		return nil, Errorf(KindUnsupported, t, "no adapter registered for provider type %q", t)
	}
	return a, nil
}

// Types lists the registered variants in sorted order.
func (r *Registry) Types() []models.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ProviderType, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ListModels resolves the account's adapter and lists its models.
func (r *Registry) ListModels(ctx context.Context, account models.ProviderAccount) ([]string, error) {
	a, err := r.Get(account.ProviderType)
	if err != nil {
		return nil, err
	}
	list, err := a.ListModels(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("list models for account %q: %w", account.ID, err)
	}
	return list, nil
}
