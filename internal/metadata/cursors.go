package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cursor records how far one (workspace, account, mailbox) has been
// synced: the identifier generation and the highest identifier seen
// under it. LastError carries the most recent failure and is cleared
// by the next successful run.
type Cursor struct {
	WorkspaceID    string
	Account        string
	Mailbox        string
	Generation     uint32
	LastExternalID string
	LastSyncedAt   time.Time
	LastError      string
}

// CursorStore persists sync cursors.
type CursorStore struct {
	db *DB
}

// NewCursorStore returns a store over db.
func NewCursorStore(db *DB) *CursorStore {
	return &CursorStore{db: db}
}

// Get returns the cursor, or a zero cursor when the mailbox has never
// been synced.
func (s *CursorStore) Get(ctx context.Context, workspaceID, account, mailbox string) (Cursor, error) {
	cursor := Cursor{
		WorkspaceID: workspaceID,
		Account:     normalizeAccount(account),
		Mailbox:     mailbox,
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT generation, last_external_id, last_synced_at, last_error
		FROM sync_cursors
		WHERE workspace_id = ? AND account = ? AND mailbox = ?`,
		workspaceID, cursor.Account, mailbox,
	)
	var syncedAt sql.NullTime
	err := row.Scan(&cursor.Generation, &cursor.LastExternalID, &syncedAt, &cursor.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return cursor, nil
	}
	if err != nil {
		return cursor, fmt.Errorf("fetching cursor: %w", err)
	}
	if syncedAt.Valid {
		cursor.LastSyncedAt = syncedAt.Time
	}
	return cursor, nil
}

// Advance records a successful run: new generation and highest id,
// synced-at now, error cleared.
func (s *CursorStore) Advance(ctx context.Context, workspaceID, account, mailbox string, generation uint32, lastExternalID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (
			workspace_id, account, mailbox, generation, last_external_id,
			last_synced_at, last_error
		) VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, '')
		ON CONFLICT (workspace_id, account, mailbox) DO UPDATE SET
			generation = excluded.generation,
			last_external_id = excluded.last_external_id,
			last_synced_at = CURRENT_TIMESTAMP,
			last_error = ''`,
		workspaceID, normalizeAccount(account), mailbox, generation, lastExternalID,
	)
	if err != nil {
		return fmt.Errorf("advancing cursor: %w", err)
	}
	return nil
}

// RecordError stores the failure from an unsuccessful run without
// touching the cursor position.
func (s *CursorStore) RecordError(ctx context.Context, workspaceID, account, mailbox, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (
			workspace_id, account, mailbox, last_error
		) VALUES (?, ?, ?, ?)
		ON CONFLICT (workspace_id, account, mailbox) DO UPDATE SET
			last_error = excluded.last_error`,
		workspaceID, normalizeAccount(account), mailbox, message,
	)
	if err != nil {
		return fmt.Errorf("recording sync error: %w", err)
	}
	return nil
}
