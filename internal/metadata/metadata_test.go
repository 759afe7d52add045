package metadata

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fenilsonani/mailsync/internal/transport"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "mailsync.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func testRecord(externalID string) MessageRecord {
	return MessageRecord{
		MessageKey: MessageKey{
			WorkspaceID: "ws-1",
			Account:     "User@Example.com",
			Mailbox:     "INBOX",
			ExternalID:  externalID,
		},
		MessageID: externalID + "@example.com",
		Subject:   "Subject " + externalID,
		From:      []transport.Address{{Name: "Sender", Email: "sender@example.com"}},
		Recipients: []transport.Address{
			{Email: "user@example.com"},
		},
		Date:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Flags:   []string{transport.FlagSeen},
		Snippet: "snippet",
		Size:    1024,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestMessageUpsertAndGet(t *testing.T) {
	db := setupTestDB(t)
	store := NewMessageStore(db)
	ctx := context.Background()

	rec := testRecord("100")
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Account lookups are case-insensitive.
	got, err := store.Get(ctx, MessageKey{
		WorkspaceID: "ws-1", Account: "user@EXAMPLE.com", Mailbox: "INBOX", ExternalID: "100",
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Subject != "Subject 100" {
		t.Errorf("subject = %q", got.Subject)
	}
	if len(got.From) != 1 || got.From[0].Email != "sender@example.com" {
		t.Errorf("from = %+v", got.From)
	}
	if !got.IsRead() {
		t.Error("IsRead = false, want true")
	}
	if got.IsFlagged() {
		t.Error("IsFlagged = true, want false")
	}
}

func TestMessageUpsertIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	store := NewMessageStore(db)
	ctx := context.Background()

	rec := testRecord("100")
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	rec.Subject = "Updated"
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err := store.Get(ctx, rec.MessageKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Subject != "Updated" {
		t.Errorf("subject = %q, want the replacement", got.Subject)
	}
}

func TestFindExistingIDs(t *testing.T) {
	db := setupTestDB(t)
	store := NewMessageStore(db)
	ctx := context.Background()

	for _, id := range []string{"100", "101", "102"} {
		if err := store.Upsert(ctx, testRecord(id)); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}

	existing, err := store.FindExistingIDs(ctx, "ws-1", "user@example.com", "INBOX",
		[]string{"101", "102", "103", "104"})
	if err != nil {
		t.Fatalf("FindExistingIDs: %v", err)
	}
	if len(existing) != 2 || !existing["101"] || !existing["102"] {
		t.Errorf("existing = %v, want {101, 102}", existing)
	}

	empty, err := store.FindExistingIDs(ctx, "ws-1", "user@example.com", "INBOX", nil)
	if err != nil {
		t.Fatalf("FindExistingIDs(nil): %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("existing = %v, want empty", empty)
	}
}

func TestUpdateFlags(t *testing.T) {
	db := setupTestDB(t)
	store := NewMessageStore(db)
	ctx := context.Background()

	rec := testRecord("100")
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	flags := []string{transport.FlagSeen, transport.FlagFlagged}
	if err := store.UpdateFlags(ctx, rec.MessageKey, flags); err != nil {
		t.Fatalf("UpdateFlags: %v", err)
	}

	got, err := store.Get(ctx, rec.MessageKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.IsFlagged() {
		t.Error("IsFlagged = false after update")
	}

	missing := MessageKey{WorkspaceID: "ws-1", Account: "user@example.com", Mailbox: "INBOX", ExternalID: "999"}
	if err := store.UpdateFlags(ctx, missing, flags); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMoveAndDelete(t *testing.T) {
	db := setupTestDB(t)
	store := NewMessageStore(db)
	ctx := context.Background()

	rec := testRecord("100")
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := store.Move(ctx, rec.MessageKey, "Archive"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if _, err := store.Get(ctx, rec.MessageKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("source row still present: %v", err)
	}

	movedKey := rec.MessageKey
	movedKey.Mailbox = "Archive"
	if _, err := store.Get(ctx, movedKey); err != nil {
		t.Fatalf("Get after move: %v", err)
	}

	if err := store.Delete(ctx, movedKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, movedKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("row present after delete: %v", err)
	}
	// Deleting again is not an error.
	if err := store.Delete(ctx, movedKey); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestFindByMessageID(t *testing.T) {
	db := setupTestDB(t)
	store := NewMessageStore(db)
	ctx := context.Background()

	if err := store.Upsert(ctx, testRecord("100")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.FindByMessageID(ctx, "ws-1", "100@example.com")
	if err != nil {
		t.Fatalf("FindByMessageID: %v", err)
	}
	if got.ExternalID != "100" {
		t.Errorf("external id = %q", got.ExternalID)
	}

	if _, err := store.FindByMessageID(ctx, "ws-1", "nope@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	db := setupTestDB(t)
	messages := NewMessageStore(db)
	ctx := context.Background()

	if err := messages.Upsert(ctx, testRecord("100")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := messages.DeleteAccount(ctx, "ws-1", "USER@example.com"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := messages.Get(ctx, testRecord("100").MessageKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("message survived account deletion: %v", err)
	}
}

func TestAccountStore(t *testing.T) {
	db := setupTestDB(t)
	store := NewAccountStore(db)
	ctx := context.Background()

	rec := AccountRecord{
		WorkspaceID: "ws-1",
		Email:       "User@Example.com",
		AuthMode:    transport.AuthPassword,
		IMAPHost:    "imap.example.com",
		IMAPPort:    993,
		SMTPHost:    "smtp.example.com",
		SMTPPort:    465,
		PasswordRef: "keyring:imap/user@example.com",
	}
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Get(ctx, "ws-1", "USER@EXAMPLE.COM")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Email != "user@example.com" {
		t.Errorf("email = %q, want lowercased identity", got.Email)
	}
	if got.AuthMode != transport.AuthPassword {
		t.Errorf("auth mode = %q", got.AuthMode)
	}

	list, err := store.List(ctx, "ws-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("accounts = %d, want 1", len(list))
	}

	if err := store.Delete(ctx, "ws-1", "user@example.com"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "ws-1", "user@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("account present after delete: %v", err)
	}
}

func TestCursorLifecycle(t *testing.T) {
	db := setupTestDB(t)
	store := NewCursorStore(db)
	ctx := context.Background()

	// Never-synced mailbox returns a zero cursor, not an error.
	cursor, err := store.Get(ctx, "ws-1", "user@example.com", "INBOX")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cursor.Generation != 0 || cursor.LastExternalID != "" {
		t.Errorf("zero cursor = %+v", cursor)
	}

	if err := store.Advance(ctx, "ws-1", "User@Example.com", "INBOX", 7, "4112"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	cursor, err = store.Get(ctx, "ws-1", "user@example.com", "INBOX")
	if err != nil {
		t.Fatalf("Get after advance: %v", err)
	}
	if cursor.Generation != 7 || cursor.LastExternalID != "4112" {
		t.Errorf("cursor = %+v", cursor)
	}
	if cursor.LastSyncedAt.IsZero() {
		t.Error("LastSyncedAt not set")
	}

	if err := store.RecordError(ctx, "ws-1", "user@example.com", "INBOX", "connect refused"); err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	cursor, _ = store.Get(ctx, "ws-1", "user@example.com", "INBOX")
	if cursor.LastError != "connect refused" {
		t.Errorf("LastError = %q", cursor.LastError)
	}
	if cursor.Generation != 7 || cursor.LastExternalID != "4112" {
		t.Errorf("error recording moved the cursor: %+v", cursor)
	}

	// A later success clears the error.
	if err := store.Advance(ctx, "ws-1", "user@example.com", "INBOX", 7, "4200"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	cursor, _ = store.Get(ctx, "ws-1", "user@example.com", "INBOX")
	if cursor.LastError != "" {
		t.Errorf("LastError = %q, want cleared", cursor.LastError)
	}
}
