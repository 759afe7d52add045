package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fenilsonani/mailsync/internal/transport"
)

// AccountRecord describes one configured remote mailbox owner. Email
// is the case-insensitive identity and is stored lowercased.
type AccountRecord struct {
	WorkspaceID string
	Email       string
	AuthMode    transport.AuthMode
	IMAPHost    string
	IMAPPort    int
	SMTPHost    string
	SMTPPort    int
	PasswordRef string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AccountStore persists account rows.
type AccountStore struct {
	db *DB
}

// NewAccountStore returns a store over db.
func NewAccountStore(db *DB) *AccountStore {
	return &AccountStore{db: db}
}

// Upsert inserts or updates the account keyed on (workspace, email).
func (s *AccountStore) Upsert(ctx context.Context, rec AccountRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			workspace_id, email, auth_mode,
			imap_host, imap_port, smtp_host, smtp_port,
			password_ref, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (workspace_id, email) DO UPDATE SET
			auth_mode = excluded.auth_mode,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			smtp_host = excluded.smtp_host,
			smtp_port = excluded.smtp_port,
			password_ref = excluded.password_ref,
			updated_at = CURRENT_TIMESTAMP`,
		rec.WorkspaceID, strings.ToLower(rec.Email), string(rec.AuthMode),
		rec.IMAPHost, rec.IMAPPort, rec.SMTPHost, rec.SMTPPort,
		rec.PasswordRef,
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", rec.Email, err)
	}
	return nil
}

// Get fetches one account.
func (s *AccountStore) Get(ctx context.Context, workspaceID, email string) (*AccountRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT email, auth_mode, imap_host, imap_port, smtp_host, smtp_port,
		       password_ref, created_at, updated_at
		FROM accounts WHERE workspace_id = ? AND email = ?`,
		workspaceID, strings.ToLower(email),
	)
	rec := AccountRecord{WorkspaceID: workspaceID}
	var mode string
	err := row.Scan(&rec.Email, &mode, &rec.IMAPHost, &rec.IMAPPort,
		&rec.SMTPHost, &rec.SMTPPort, &rec.PasswordRef, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching account %s: %w", email, err)
	}
	rec.AuthMode = transport.AuthMode(mode)
	return &rec, nil
}

// List returns every account in the workspace, ordered by email.
func (s *AccountStore) List(ctx context.Context, workspaceID string) ([]AccountRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email FROM accounts WHERE workspace_id = ? ORDER BY email`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]AccountRecord, 0, len(emails))
	for _, email := range emails {
		rec, err := s.Get(ctx, workspaceID, email)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// Delete removes the account row and its cursors. Message rows and
// on-disk content are cascaded by the caller, which owns both stores.
func (s *AccountStore) Delete(ctx context.Context, workspaceID, email string) error {
	email = strings.ToLower(email)
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM sync_cursors WHERE workspace_id = ? AND account = ?",
		workspaceID, email,
	); err != nil {
		return fmt.Errorf("deleting cursors for %s: %w", email, err)
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM accounts WHERE workspace_id = ? AND email = ?",
		workspaceID, email,
	); err != nil {
		return fmt.Errorf("deleting account %s: %w", email, err)
	}
	return nil
}
