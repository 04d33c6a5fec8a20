// Package envelope encrypts data at rest: a passphrase-derived key wraps a
// random master key, the master key wraps one data key per conversation,
// and data keys seal records with AES-256-GCM.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12
	// KeySize is the AES-256 key length.
	KeySize = 32
	// SaltSize is the PBKDF2 salt length.
	SaltSize = 32
	// PBKDF2Iterations is the default work factor for PBKDF2-SHA-256.
	PBKDF2Iterations = 600000

	masterAAD = "panther/master-key"
)

// Modes recorded by the store.
const (
	ModeNone       = "none"
	ModePassphrase = "passphrase"
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication tag mismatch")
	ErrWrongPassphrase   = errors.New("passphrase does not unlock the keyring")
	ErrPassphraseMissing = errors.New("passphrase encryption requires a passphrase")
)

// ZeroBytes overwrites key material.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DeriveKey derives a key-encryption key with PBKDF2-SHA-256.
func DeriveKey(passphrase string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// Seal encrypts plaintext under key, binding aad. The output is nonce|ciphertext|tag.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(NonceSize)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func Open(key, data, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < NonceSize+gcm.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM cipher: %w", err)
	}
	return gcm, nil
}

// Keyring is the persisted, passphrase-wrapped master key.
type Keyring struct {
	Salt          []byte
	Iterations    int
	WrappedMaster []byte
}

// KeyStore persists the keyring and wrapped data keys. Loads return
// (nil, nil) when nothing is stored yet.
type KeyStore interface {
	LoadKeyring(ctx context.Context) (*Keyring, error)
	SaveKeyring(ctx context.Context, k Keyring) error
	LoadDataKey(ctx context.Context, conversationID string) ([]byte, error)
	SaveDataKey(ctx context.Context, conversationID string, wrapped []byte) error
}

// Sealer encrypts records scoped to a conversation.
type Sealer interface {
	Mode() string
	Seal(ctx context.Context, conversationID string, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, conversationID string, data []byte) ([]byte, error)
}

// Plaintext is the explicit no-encryption sealer.
type Plaintext struct{}

func (Plaintext) Mode() string { return ModeNone }

func (Plaintext) Seal(_ context.Context, _ string, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (Plaintext) Open(_ context.Context, _ string, data []byte) ([]byte, error) {
	return data, nil
}

// Manager is the passphrase-mode Sealer.
type Manager struct {
	store  KeyStore
	master []byte

	mu   sync.Mutex
	deks map[string][]byte
}

// Option customises a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	iterations int
}

// WithIterations overrides the PBKDF2 work factor for new keyrings.
func WithIterations(n int) Option {
	return func(o *managerOptions) { o.iterations = n }
}

// NewManager unlocks the keyring in ks with passphrase, creating one with
// a fresh master key on first use.
func NewManager(ctx context.Context, ks KeyStore, passphrase string, opts ...Option) (*Manager, error) {
	if ks == nil {
		return nil, errors.New("key store must not be nil")
	}
	if passphrase == "" {
		return nil, ErrPassphraseMissing
	}
	o := managerOptions{iterations: PBKDF2Iterations}
	for _, opt := range opts {
		opt(&o)
	}

	ring, err := ks.LoadKeyring(ctx)
	if err != nil {
		return nil, fmt.Errorf("load keyring: %w", err)
	}

	if ring == nil {
		master, err := randomBytes(KeySize)
		if err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		salt, err := randomBytes(SaltSize)
		if err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		kek := DeriveKey(passphrase, salt, o.iterations)
		defer ZeroBytes(kek)

		wrapped, err := Seal(kek, master, []byte(masterAAD))
		if err != nil {
			return nil, fmt.Errorf("wrap master key: %w", err)
		}
		if err := ks.SaveKeyring(ctx, Keyring{Salt: salt, Iterations: o.iterations, WrappedMaster: wrapped}); err != nil {
			return nil, fmt.Errorf("save keyring: %w", err)
		}
		return &Manager{store: ks, master: master, deks: make(map[string][]byte)}, nil
	}

	kek := DeriveKey(passphrase, ring.Salt, ring.Iterations)
	defer ZeroBytes(kek)
	master, err := Open(kek, ring.WrappedMaster, []byte(masterAAD))
	if err != nil {
		if errors.Is(err, ErrDecryptionFailed) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("unwrap master key: %w", err)
	}
	return &Manager{store: ks, master: master, deks: make(map[string][]byte)}, nil
}

func (m *Manager) Mode() string { return ModePassphrase }

func (m *Manager) Seal(ctx context.Context, conversationID string, plaintext []byte) ([]byte, error) {
	dek, err := m.dataKey(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return Seal(dek, plaintext, []byte(conversationID))
}

func (m *Manager) Open(ctx context.Context, conversationID string, data []byte) ([]byte, error) {
	dek, err := m.dataKey(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return Open(dek, data, []byte(conversationID))
}

// dataKey returns the conversation's DEK, minting and persisting one on first use.
func (m *Manager) dataKey(ctx context.Context, conversationID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.master == nil {
		return nil, errors.New("envelope manager is closed")
	}
	if dek, ok := m.deks[conversationID]; ok {
		return dek, nil
	}

	aad := []byte("panther/dek/" + conversationID)
	wrapped, err := m.store.LoadDataKey(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load data key: %w", err)
	}

	var dek []byte
	if wrapped != nil {
		dek, err = Open(m.master, wrapped, aad)
		if err != nil {
			return nil, fmt.Errorf("unwrap data key: %w", err)
		}
	} else {
		dek, err = randomBytes(KeySize)
		if err != nil {
			return nil, fmt.Errorf("generate data key: %w", err)
		}
		wrapped, err = Seal(m.master, dek, aad)
		if err != nil {
			return nil, fmt.Errorf("wrap data key: %w", err)
		}
		if err := m.store.SaveDataKey(ctx, conversationID, wrapped); err != nil {
			return nil, fmt.Errorf("save data key: %w", err)
		}
	}
	m.deks[conversationID] = dek
	return dek, nil
}

// Close zeroes every key held in memory.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, dek := range m.deks {
		ZeroBytes(dek)
		delete(m.deks, id)
	}
	ZeroBytes(m.master)
	m.master = nil
}
