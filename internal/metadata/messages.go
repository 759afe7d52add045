package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fenilsonani/mailsync/internal/transport"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("metadata: not found")

// MessageKey identifies one canonical message row.
type MessageKey struct {
	WorkspaceID string
	Account     string
	Mailbox     string
	ExternalID  string
}

// MessageRecord is the canonical row for one synced message.
type MessageRecord struct {
	MessageKey
	MessageID      string
	Subject        string
	From           []transport.Address
	Recipients     []transport.Address
	Date           time.Time
	Flags          []string
	Snippet        string
	Size           int64
	HasAttachments bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsRead reports whether the record carries the read flag.
func (r *MessageRecord) IsRead() bool {
	return transport.HasFlag(r.Flags, transport.FlagSeen)
}

// IsFlagged reports whether the record carries the flagged flag.
func (r *MessageRecord) IsFlagged() bool {
	return transport.HasFlag(r.Flags, transport.FlagFlagged)
}

// MessageStore persists canonical message rows.
type MessageStore struct {
	db *DB
}

// NewMessageStore returns a store over db.
func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

func normalizeAccount(account string) string {
	return strings.ToLower(account)
}

// FindExistingIDs returns the subset of externalIDs already present
// for (workspace, account, mailbox). Sync uses it to reduce a recent
// listing to the pending set.
func (s *MessageStore) FindExistingIDs(ctx context.Context, workspaceID, account, mailbox string, externalIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(externalIDs))
	if len(externalIDs) == 0 {
		return existing, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(externalIDs)), ",")
	query := fmt.Sprintf(
		`SELECT external_id FROM messages
		 WHERE workspace_id = ? AND account = ? AND mailbox = ? AND external_id IN (%s)`,
		placeholders,
	)

	args := make([]any, 0, len(externalIDs)+3)
	args = append(args, workspaceID, normalizeAccount(account), mailbox)
	for _, id := range externalIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying existing ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// Upsert inserts or replaces the canonical row, preserving created_at
// on replacement.
func (s *MessageStore) Upsert(ctx context.Context, rec MessageRecord) error {
	sender, err := json.Marshal(emptyIfNil(rec.From))
	if err != nil {
		return fmt.Errorf("marshaling sender: %w", err)
	}
	recipients, err := json.Marshal(emptyIfNil(rec.Recipients))
	if err != nil {
		return fmt.Errorf("marshaling recipients: %w", err)
	}
	flags, err := json.Marshal(emptyIfNil(rec.Flags))
	if err != nil {
		return fmt.Errorf("marshaling flags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (
			workspace_id, account, mailbox, external_id,
			message_id, subject, sender, recipients, date, flags,
			snippet, size, has_attachments, is_read, is_flagged, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (workspace_id, account, mailbox, external_id) DO UPDATE SET
			message_id = excluded.message_id,
			subject = excluded.subject,
			sender = excluded.sender,
			recipients = excluded.recipients,
			date = excluded.date,
			flags = excluded.flags,
			snippet = excluded.snippet,
			size = excluded.size,
			has_attachments = excluded.has_attachments,
			is_read = excluded.is_read,
			is_flagged = excluded.is_flagged,
			updated_at = CURRENT_TIMESTAMP`,
		rec.WorkspaceID, normalizeAccount(rec.Account), rec.Mailbox, rec.ExternalID,
		rec.MessageID, rec.Subject, string(sender), string(recipients), rec.Date, string(flags),
		rec.Snippet, rec.Size, rec.HasAttachments, rec.IsRead(), rec.IsFlagged(),
	)
	if err != nil {
		return fmt.Errorf("upserting message %s: %w", rec.ExternalID, err)
	}
	return nil
}

// Get fetches the canonical row for key.
func (s *MessageStore) Get(ctx context.Context, key MessageKey) (*MessageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, subject, sender, recipients, date, flags,
		       snippet, size, has_attachments, created_at, updated_at
		FROM messages
		WHERE workspace_id = ? AND account = ? AND mailbox = ? AND external_id = ?`,
		key.WorkspaceID, normalizeAccount(key.Account), key.Mailbox, key.ExternalID,
	)

	rec := MessageRecord{MessageKey: MessageKey{
		WorkspaceID: key.WorkspaceID,
		Account:     normalizeAccount(key.Account),
		Mailbox:     key.Mailbox,
		ExternalID:  key.ExternalID,
	}}
	var sender, recipients, flags string
	var date sql.NullTime
	err := row.Scan(&rec.MessageID, &rec.Subject, &sender, &recipients, &date, &flags,
		&rec.Snippet, &rec.Size, &rec.HasAttachments, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", key.ExternalID, err)
	}
	if date.Valid {
		rec.Date = date.Time
	}

	if err := json.Unmarshal([]byte(sender), &rec.From); err != nil {
		return nil, fmt.Errorf("decoding sender for %s: %w", key.ExternalID, err)
	}
	if err := json.Unmarshal([]byte(recipients), &rec.Recipients); err != nil {
		return nil, fmt.Errorf("decoding recipients for %s: %w", key.ExternalID, err)
	}
	if err := json.Unmarshal([]byte(flags), &rec.Flags); err != nil {
		return nil, fmt.Errorf("decoding flags for %s: %w", key.ExternalID, err)
	}
	return &rec, nil
}

// FindByMessageID locates a canonical row by its RFC message
// identifier within a workspace. Used by the attachment endpoint,
// which addresses messages by stable id rather than composite key.
func (s *MessageStore) FindByMessageID(ctx context.Context, workspaceID, messageID string) (*MessageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account, mailbox, external_id
		FROM messages
		WHERE workspace_id = ? AND message_id = ?
		ORDER BY updated_at DESC LIMIT 1`,
		workspaceID, messageID,
	)
	key := MessageKey{WorkspaceID: workspaceID}
	err := row.Scan(&key.Account, &key.Mailbox, &key.ExternalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding message %s: %w", messageID, err)
	}
	return s.Get(ctx, key)
}

// UpdateFlags replaces the flag set on an existing row.
func (s *MessageStore) UpdateFlags(ctx context.Context, key MessageKey, flags []string) error {
	encoded, err := json.Marshal(emptyIfNil(flags))
	if err != nil {
		return fmt.Errorf("marshaling flags: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET flags = ?, is_read = ?, is_flagged = ?, updated_at = CURRENT_TIMESTAMP
		WHERE workspace_id = ? AND account = ? AND mailbox = ? AND external_id = ?`,
		string(encoded),
		transport.HasFlag(flags, transport.FlagSeen),
		transport.HasFlag(flags, transport.FlagFlagged),
		key.WorkspaceID, normalizeAccount(key.Account), key.Mailbox, key.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("updating flags for %s: %w", key.ExternalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Move rewrites the mailbox on an existing row.
func (s *MessageStore) Move(ctx context.Context, key MessageKey, toMailbox string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET mailbox = ?, updated_at = CURRENT_TIMESTAMP
		WHERE workspace_id = ? AND account = ? AND mailbox = ? AND external_id = ?`,
		toMailbox, key.WorkspaceID, normalizeAccount(key.Account), key.Mailbox, key.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("moving message %s: %w", key.ExternalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the canonical row. Deleting an absent row is not an
// error.
func (s *MessageStore) Delete(ctx context.Context, key MessageKey) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE workspace_id = ? AND account = ? AND mailbox = ? AND external_id = ?`,
		key.WorkspaceID, normalizeAccount(key.Account), key.Mailbox, key.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", key.ExternalID, err)
	}
	return nil
}

// DeleteAccount removes every canonical row for an account, part of
// the account-removal cascade.
func (s *MessageStore) DeleteAccount(ctx context.Context, workspaceID, account string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE workspace_id = ? AND account = ?",
		workspaceID, normalizeAccount(account),
	)
	if err != nil {
		return fmt.Errorf("deleting messages for %s: %w", account, err)
	}
	return nil
}

// List returns the mailbox's rows, newest first.
func (s *MessageStore) List(ctx context.Context, workspaceID, account, mailbox string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id FROM messages
		WHERE workspace_id = ? AND account = ? AND mailbox = ?
		ORDER BY date DESC LIMIT ?`,
		workspaceID, normalizeAccount(account), mailbox, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]MessageRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, MessageKey{
			WorkspaceID: workspaceID, Account: account, Mailbox: mailbox, ExternalID: id,
		})
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
