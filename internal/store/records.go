package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"panther/internal/envelope"
	"panther/internal/models"
)

// PutAccount inserts or replaces a provider account.
func (s *Store) PutAccount(ctx context.Context, a models.ProviderAccount) error {
	if a.ID == "" {
		return errors.New("account id must not be empty")
	}
	metadata, err := json.Marshal(orEmpty(a.ProviderMetadata))
	if err != nil {
		return fmt.Errorf("marshal account metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_accounts(id, provider_type, display_name, base_url, auth_ref, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_type = excluded.provider_type,
			display_name  = excluded.display_name,
			base_url      = excluded.base_url,
			auth_ref      = excluded.auth_ref,
			metadata      = excluded.metadata`,
		a.ID, string(a.ProviderType), a.DisplayName, a.BaseURL, a.AuthRef, string(metadata))
	if err != nil {
		return fmt.Errorf("save account %q: %w", a.ID, err)
	}
	return nil
}

// Account loads one provider account.
func (s *Store) Account(ctx context.Context, id string) (models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider_type, display_name, base_url, auth_ref, metadata
		FROM provider_accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProviderAccount{}, fmt.Errorf("%w: account %q", ErrNotFound, id)
	}
	return a, err
}

// Accounts lists every provider account ordered by id.
func (s *Store) Accounts(ctx context.Context) ([]models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_type, display_name, base_url, auth_ref, metadata
		FROM provider_accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []models.ProviderAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (models.ProviderAccount, error) {
	var (
		a        models.ProviderAccount
		pt       string
		metadata string
	)
	if err := row.Scan(&a.ID, &pt, &a.DisplayName, &a.BaseURL, &a.AuthRef, &metadata); err != nil {
		return a, err
	}
	a.ProviderType = models.ProviderType(pt)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &a.ProviderMetadata); err != nil {
			return a, fmt.Errorf("decode metadata of account %q: %w", a.ID, err)
		}
	}
	return a, nil
}

// PutConversationSettings stores the raw JSON settings of a conversation.
func (s *Store) PutConversationSettings(ctx context.Context, conversationID string, settings []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_settings(conversation_id, settings) VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET settings = excluded.settings`,
		conversationID, string(settings))
	if err != nil {
		return fmt.Errorf("save settings of conversation %q: %w", conversationID, err)
	}
	return nil
}

// ConversationSettings loads the raw JSON settings of a conversation.
func (s *Store) ConversationSettings(ctx context.Context, conversationID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var settings string
	err := s.db.QueryRowContext(ctx, `SELECT settings FROM conversation_settings WHERE conversation_id = ?`, conversationID).Scan(&settings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: settings of conversation %q", ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load settings of conversation %q: %w", conversationID, err)
	}
	return []byte(settings), nil
}

// InsertUsage appends one ledger entry.
func (s *Store) InsertUsage(ctx context.Context, r models.UsageRecord) error {
	metadata, err := json.Marshal(orEmptyStrings(r.Metadata))
	if err != nil {
		return fmt.Errorf("marshal usage metadata: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO token_usage(id, ts, provider_id, model_name, prompt_tokens, completion_tokens,
			total_tokens, context_hash, source_tag, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp.UTC().UnixMilli(), r.ProviderID, r.ModelName, r.PromptTokens, r.CompletionTokens,
		r.TotalTokens, r.ContextHash, r.SourceTag, string(metadata))
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// UsageFilter narrows a usage query. Zero fields match everything.
type UsageFilter struct {
	ProviderID string
	ModelName  string
	Since      time.Time
}

func (f UsageFilter) where() (string, []any) {
	clause := ` WHERE 1 = 1`
	var args []any
	if f.ProviderID != "" {
		clause += ` AND provider_id = ?`
		args = append(args, f.ProviderID)
	}
	if f.ModelName != "" {
		clause += ` AND model_name = ?`
		args = append(args, f.ModelName)
	}
	if !f.Since.IsZero() {
		clause += ` AND ts >= ?`
		args = append(args, f.Since.UTC().UnixMilli())
	}
	return clause, args
}

// UsageRecords returns matching ledger entries, oldest first.
func (s *Store) UsageRecords(ctx context.Context, f UsageFilter) ([]models.UsageRecord, error) {
	clause, args := f.where()
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, provider_id, model_name, prompt_tokens, completion_tokens, total_tokens,
			context_hash, source_tag, metadata
		FROM token_usage`+clause+` ORDER BY ts, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []models.UsageRecord
	for rows.Next() {
		var (
			r        models.UsageRecord
			ts       int64
			metadata string
		)
		if err := rows.Scan(&r.ID, &ts, &r.ProviderID, &r.ModelName, &r.PromptTokens, &r.CompletionTokens,
			&r.TotalTokens, &r.ContextHash, &r.SourceTag, &metadata); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode usage metadata: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UsageTotals sums matching ledger entries.
type UsageTotals struct {
	Records          int `json:"records"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SumUsage aggregates matching ledger entries.
func (s *Store) SumUsage(ctx context.Context, f UsageFilter) (UsageTotals, error) {
	clause, args := f.where()
	s.mu.Lock()
	defer s.mu.Unlock()

	var t UsageTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM token_usage`+clause, args...).Scan(&t.Records, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens)
	if err != nil {
		return t, fmt.Errorf("sum usage: %w", err)
	}
	return t, nil
}

// Chunk is one stored slice of a project source.
type Chunk struct {
	ProjectID  string
	SourceID   string
	ChunkIndex int
	Content    string
	CreatedAt  time.Time
}

// AddChunks stores chunks in one transaction.
func (s *Store) AddChunks(ctx context.Context, chunks ...Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk insert: %w", err)
	}
	defer tx.Rollback()

	for _, c := range chunks {
		created := c.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_chunks(project_id, source_id, chunk_index, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			c.ProjectID, c.SourceID, c.ChunkIndex, c.Content, created.UTC().UnixMilli()); err != nil {
			return fmt.Errorf("insert chunk %s:%d: %w", c.SourceID, c.ChunkIndex, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunks: %w", err)
	}
	return nil
}

// RecentChunks returns up to k chunks of a project, newest source first and
// in chunk order within a source.
func (s *Store) RecentChunks(ctx context.Context, projectID string, k int) ([]Chunk, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, source_id, chunk_index, content, created_at
		FROM project_chunks
		WHERE project_id = ?
		ORDER BY created_at DESC, chunk_index ASC
		LIMIT ?`, projectID, k)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var (
			c  Chunk
			ts int64
		)
		if err := rows.Scan(&c.ProjectID, &c.SourceID, &c.ChunkIndex, &c.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.CreatedAt = time.UnixMilli(ts).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// currentSealer reads the sealer without holding the lock across sealing,
// since a passphrase sealer calls back into the store for data keys.
func (s *Store) currentSealer() envelope.Sealer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealer
}

// AppendMessage stores a message of a conversation, sealed at rest.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, m models.Message) error {
	plain, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	body, err := s.currentSealer().Seal(ctx, conversationID, plain)
	if err != nil {
		return fmt.Errorf("seal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages(id, conversation_id, created_at, author_type, body) VALUES (?, ?, ?, ?, ?)`,
		m.ID, conversationID, m.CreatedAt.UTC().UnixNano(), string(m.AuthorType), body)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages returns the conversation's messages, oldest first.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	bodies, err := s.messageBodies(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	sealer := s.currentSealer()
	out := make([]models.Message, 0, len(bodies))
	for _, body := range bodies {
		plain, err := sealer.Open(ctx, conversationID, body)
		if err != nil {
			return nil, fmt.Errorf("open message: %w", err)
		}
		var m models.Message
		if err := json.Unmarshal(plain, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) messageBodies(ctx context.Context, conversationID string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM messages WHERE conversation_id = ? ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, body)
	}
	return out, rows.Err()
}

// SaveRedactionMap seals a turn's placeholder map under the conversation key.
func (s *Store) SaveRedactionMap(ctx context.Context, conversationID, turnID string, m map[string]string) error {
	plain, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal redaction map: %w", err)
	}
	body, err := s.currentSealer().Seal(ctx, conversationID, plain)
	if err != nil {
		return fmt.Errorf("seal redaction map: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO redaction_maps(conversation_id, turn_id, created_at, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, turn_id) DO UPDATE SET body = excluded.body`,
		conversationID, turnID, time.Now().UTC().UnixMilli(), body)
	if err != nil {
		return fmt.Errorf("save redaction map: %w", err)
	}
	return nil
}

// RedactionMap loads a turn's placeholder map.
func (s *Store) RedactionMap(ctx context.Context, conversationID, turnID string) (map[string]string, error) {
	var body []byte
	s.mu.Lock()
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM redaction_maps WHERE conversation_id = ? AND turn_id = ?`, conversationID, turnID).Scan(&body)
	s.mu.Unlock()
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: redaction map %s/%s", ErrNotFound, conversationID, turnID)
	}
	if err != nil {
		return nil, fmt.Errorf("load redaction map: %w", err)
	}

	plain, err := s.currentSealer().Open(ctx, conversationID, body)
	if err != nil {
		return nil, fmt.Errorf("open redaction map: %w", err)
	}
	var m map[string]string
	if err := json.Unmarshal(plain, &m); err != nil {
		return nil, fmt.Errorf("decode redaction map: %w", err)
	}
	return m, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyStrings(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
