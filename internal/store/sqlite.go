// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides account/conversation/binding/interaction persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id            TEXT PRIMARY KEY,
			phone_number  TEXT NOT NULL UNIQUE,
			api_id        TEXT NOT NULL,
			api_hash      TEXT NOT NULL,
			session_token TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			username      TEXT,
			active        INTEGER NOT NULL DEFAULT 1,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(active);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT,
			kind       TEXT NOT NULL DEFAULT 'group',
			active     INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (kind IN ('group', 'channel', 'direct'))
		);

		CREATE TABLE IF NOT EXISTS bindings (
			id                TEXT PRIMARY KEY,
			account_id        TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			conversation_id   TEXT NOT NULL REFERENCES conversations(id),
			name              TEXT NOT NULL,
			instructions      TEXT NOT NULL,
			provider_key      TEXT,
			response_delay_ms INTEGER NOT NULL DEFAULT 0,
			max_response_len  INTEGER NOT NULL DEFAULT 500,
			active            INTEGER NOT NULL DEFAULT 1,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			UNIQUE(account_id, conversation_id),
			CHECK (response_delay_ms >= 0),
			CHECK (max_response_len > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_bindings_account ON bindings(account_id);

		CREATE TABLE IF NOT EXISTS interactions (
			id              TEXT PRIMARY KEY,
			binding_id      TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			input_text      TEXT NOT NULL,
			output_text     TEXT,
			latency_ms      INTEGER NOT NULL,
			persona_name    TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_interactions_binding ON interactions(binding_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_interactions_conversation ON interactions(conversation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateAccount inserts a new account.
// Returns ErrDuplicateAccount if the phone number is already registered.
func (s *SQLiteStore) CreateAccount(ctx context.Context, a *Account) error {
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	query := `
		INSERT INTO accounts (id, phone_number, api_id, api_hash, session_token, user_id, username, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.PhoneNumber, a.APIID, a.APIHash, a.SessionToken, a.UserID, a.Username,
		boolToInt(a.Active), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("inserting account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	query := `
		SELECT id, phone_number, api_id, api_hash, session_token, user_id, username, active, created_at, updated_at
		FROM accounts WHERE id = ?
	`
	a, err := scanAccount(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	return a, nil
}

// ListAccounts returns all accounts, optionally restricted to active ones.
func (s *SQLiteStore) ListAccounts(ctx context.Context, activeOnly bool) ([]*Account, error) {
	query := `
		SELECT id, phone_number, api_id, api_hash, session_token, user_id, username, active, created_at, updated_at
		FROM accounts
	`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// DeleteAccount removes an account and, via cascade, its bindings.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertConversation inserts a conversation or refreshes its metadata.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, c *Conversation) error {
	now := time.Now()
	if c.Kind == "" {
		c.Kind = ConversationKindGroup
	}
	query := `
		INSERT INTO conversations (id, title, kind, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			kind = excluded.kind,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.Title, c.Kind, boolToInt(c.Active), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by its platform ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT id, title, kind, active, created_at, updated_at FROM conversations WHERE id = ?`

	var c Conversation
	var active int
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Title, &c.Kind, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	c.Active = active != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// ReplaceBinding inserts a binding, replacing any existing binding for the
// same (account, conversation) pair. The replaced binding's ID is retired.
func (s *SQLiteStore) ReplaceBinding(ctx context.Context, b *Binding) error {
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM bindings WHERE account_id = ? AND conversation_id = ?`,
		b.AccountID, b.ConversationID,
	); err != nil {
		return fmt.Errorf("removing previous binding: %w", err)
	}

	query := `
		INSERT INTO bindings (id, account_id, conversation_id, name, instructions, provider_key,
			response_delay_ms, max_response_len, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query,
		b.ID, b.AccountID, b.ConversationID, b.Name, b.Instructions, nullIfEmpty(b.ProviderKey),
		b.ResponseDelayMS, b.MaxResponseLen, boolToInt(b.Active),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	); err != nil {
		return fmt.Errorf("inserting binding: %w", err)
	}

	return tx.Commit()
}

// GetBinding retrieves a binding by ID.
func (s *SQLiteStore) GetBinding(ctx context.Context, id string) (*Binding, error) {
	query := selectBinding + ` WHERE id = ?`
	b, err := scanBinding(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying binding: %w", err)
	}
	return b, nil
}

// ListAccountBindings returns an account's bindings, optionally only active ones.
func (s *SQLiteStore) ListAccountBindings(ctx context.Context, accountID string, activeOnly bool) ([]*Binding, error) {
	query := selectBinding + ` WHERE account_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// UpdateBinding applies a partial update and returns the updated binding.
func (s *SQLiteStore) UpdateBinding(ctx context.Context, id string, patch BindingPatch) (*Binding, error) {
	var sets []string
	var args []any

	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Instructions != nil {
		sets = append(sets, "instructions = ?")
		args = append(args, *patch.Instructions)
	}
	if patch.ProviderKey != nil {
		sets = append(sets, "provider_key = ?")
		args = append(args, nullIfEmpty(*patch.ProviderKey))
	}
	if patch.ResponseDelayMS != nil {
		sets = append(sets, "response_delay_ms = ?")
		args = append(args, *patch.ResponseDelayMS)
	}
	if patch.MaxResponseLen != nil {
		sets = append(sets, "max_response_len = ?")
		args = append(args, *patch.MaxResponseLen)
	}
	if patch.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, boolToInt(*patch.Active))
	}

	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, formatTime(time.Now()))
		args = append(args, id)

		query := "UPDATE bindings SET " + strings.Join(sets, ", ") + " WHERE id = ?"
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("updating binding: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("updating binding: %w", err)
		}
		if n == 0 {
			return nil, ErrNotFound
		}
	}

	return s.GetBinding(ctx, id)
}

// DeleteBinding removes a binding by ID.
func (s *SQLiteStore) DeleteBinding(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting binding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting binding: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveInteraction appends one audit record.
func (s *SQLiteStore) SaveInteraction(ctx context.Context, rec *Interaction) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO interactions (id, binding_id, conversation_id, sender_id, input_text, output_text, latency_ms, persona_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.BindingID, rec.ConversationID, rec.SenderID,
		rec.InputText, nullIfEmpty(rec.OutputText), rec.LatencyMS, rec.PersonaName,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting interaction: %w", err)
	}
	return nil
}

// ListInteractions returns the most recent interactions for a binding, newest first.
func (s *SQLiteStore) ListInteractions(ctx context.Context, bindingID string, limit int) ([]*Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, binding_id, conversation_id, sender_id, input_text, output_text, latency_ms, persona_name, created_at
		FROM interactions
		WHERE binding_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, bindingID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying interactions: %w", err)
	}
	defer rows.Close()

	var recs []*Interaction
	for rows.Next() {
		var rec Interaction
		var output sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.BindingID, &rec.ConversationID, &rec.SenderID,
			&rec.InputText, &output, &rec.LatencyMS, &rec.PersonaName, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning interaction: %w", err)
		}
		rec.OutputText = output.String
		rec.CreatedAt = parseTime(createdAt)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

const selectBinding = `
	SELECT id, account_id, conversation_id, name, instructions, provider_key,
		response_delay_ms, max_response_len, active, created_at, updated_at
	FROM bindings
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (*Binding, error) {
	var b Binding
	var providerKey sql.NullString
	var active int
	var createdAt, updatedAt string

	err := row.Scan(&b.ID, &b.AccountID, &b.ConversationID, &b.Name, &b.Instructions, &providerKey,
		&b.ResponseDelayMS, &b.MaxResponseLen, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.ProviderKey = providerKey.String
	b.Active = active != 0
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var username sql.NullString
	var active int
	var createdAt, updatedAt string

	err := row.Scan(&a.ID, &a.PhoneNumber, &a.APIID, &a.APIHash, &a.SessionToken,
		&a.UserID, &username, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Username = username.String
	a.Active = active != 0
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
