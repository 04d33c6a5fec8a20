// Package vault resolves provider credentials by (service, account).
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// DefaultService is used for auth refs that name only an account.
const DefaultService = "panther"

// EnvPrefix prefixes the environment variables read by Env.
const EnvPrefix = "PANTHER_SECRET_"

var (
	// ErrNotFound reports a missing credential.
	ErrNotFound = errors.New("credential not found")
	// ErrReadOnly reports a Put against a vault that cannot store.
	ErrReadOnly = errors.New("vault is read-only")
)

// Vault stores secrets keyed by service and account.
type Vault interface {
	Get(ctx context.Context, service, account string) (string, error)
	Put(ctx context.Context, service, account, secret string) error
}

// ParseRef splits an auth_ref of the form "service/account". A bare ref
// names an account under DefaultService.
func ParseRef(ref string) (service, account string) {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, "/"); i > 0 && i < len(ref)-1 {
		return ref[:i], ref[i+1:]
	}
	return DefaultService, strings.Trim(ref, "/")
}

// Lookup resolves ref against v.
func Lookup(ctx context.Context, v Vault, ref string) (string, error) {
	if v == nil {
		return "", errors.New("vault must not be nil")
	}
	service, account := ParseRef(ref)
	if account == "" {
		return "", fmt.Errorf("auth ref %q names no account", ref)
	}
	return v.Get(ctx, service, account)
}

// Memory is an in-process vault.
type Memory struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemory returns an empty in-memory vault.
func NewMemory() *Memory {
	return &Memory{secrets: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, service, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.secrets[key(service, account)]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, service, account)
	}
	return secret, nil
}

func (m *Memory) Put(_ context.Context, service, account, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key(service, account)] = secret
	return nil
}

func key(service, account string) string {
	return service + "/" + account
}

// Env reads secrets from PANTHER_SECRET_<SERVICE>_<ACCOUNT>, upper-cased
// with every non-alphanumeric rune replaced by an underscore.
type Env struct {
	lookup func(string) (string, bool)
}

// NewEnv returns a vault over the process environment.
func NewEnv() *Env {
	return &Env{lookup: os.LookupEnv}
}

// EnvName returns the variable Env consults for service/account.
func EnvName(service, account string) string {
	return EnvPrefix + envSegment(service) + "_" + envSegment(account)
}

func envSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

func (e *Env) Get(_ context.Context, service, account string) (string, error) {
	name := EnvName(service, account)
	if v, ok := e.lookup(name); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrNotFound, service, account)
}

func (e *Env) Put(context.Context, string, string, string) error {
	return ErrReadOnly
}

// Chain consults each vault in order; Put goes to the first writable one.
type Chain []Vault

func (c Chain) Get(ctx context.Context, service, account string) (string, error) {
	for _, v := range c {
		secret, err := v.Get(ctx, service, account)
		if err == nil {
			return secret, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrNotFound, service, account)
}

func (c Chain) Put(ctx context.Context, service, account, secret string) error {
	for _, v := range c {
		err := v.Put(ctx, service, account, secret)
		if errors.Is(err, ErrReadOnly) {
			continue
		}
		return err
	}
	return ErrReadOnly
}
