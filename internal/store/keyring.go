package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"panther/internal/envelope"
)

// LoadKeyring returns the stored keyring, or nil when none exists.
func (s *Store) LoadKeyring(ctx context.Context) (*envelope.Keyring, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var k envelope.Keyring
	err := s.db.QueryRowContext(ctx, `SELECT salt, iterations, wrapped_master FROM keyring WHERE id = 1`).
		Scan(&k.Salt, &k.Iterations, &k.WrappedMaster)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load keyring: %w", err)
	}
	return &k, nil
}

// SaveKeyring stores the keyring, refusing to replace an existing one.
func (s *Store) SaveKeyring(ctx context.Context, k envelope.Keyring) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keyring(id, salt, iterations, wrapped_master) VALUES (1, ?, ?, ?)`,
		k.Salt, k.Iterations, k.WrappedMaster)
	if err != nil {
		return fmt.Errorf("save keyring: %w", err)
	}
	return nil
}

// LoadDataKey returns a conversation's wrapped key, or nil when none exists.
func (s *Store) LoadDataKey(ctx context.Context, conversationID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var wrapped []byte
	err := s.db.QueryRowContext(ctx, `SELECT wrapped_dek FROM conversation_keys WHERE conversation_id = ?`, conversationID).Scan(&wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load data key: %w", err)
	}
	return wrapped, nil
}

// SaveDataKey stores a conversation's wrapped key.
func (s *Store) SaveDataKey(ctx context.Context, conversationID string, wrapped []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_keys(conversation_id, wrapped_dek) VALUES (?, ?)`, conversationID, wrapped)
	if err != nil {
		return fmt.Errorf("save data key: %w", err)
	}
	return nil
}

var _ envelope.KeyStore = (*Store)(nil)
