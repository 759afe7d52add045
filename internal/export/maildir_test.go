package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fenilsonani/mailsync/internal/localstore"
	"github.com/fenilsonani/mailsync/internal/logging"
	"github.com/fenilsonani/mailsync/internal/transport"
)

const (
	testAccount = "user@example.com"
	testMailbox = "INBOX"
)

func setupStore(t *testing.T) *localstore.Store {
	t.Helper()
	store, err := localstore.New(t.TempDir(), logging.Discard())
	if err != nil {
		t.Fatalf("localstore.New: %v", err)
	}
	return store
}

func writeTestMessage(t *testing.T, store *localstore.Store, externalID string, flags []string, raw []byte) {
	t.Helper()
	fields := localstore.MessageFields{
		AccountEmail: testAccount,
		MailboxPath:  testMailbox,
		ExternalID:   externalID,
		MessageID:    externalID + "@example.com",
		Subject:      "Subject " + externalID,
		From:         []transport.Address{{Name: "Sender", Email: "sender@example.com"}},
		To:           []transport.Address{{Email: testAccount}},
		Date:         time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Flags:        flags,
		Raw:          raw,
	}
	if err := store.WriteMessage(fields); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func listDir(t *testing.T, path string) []string {
	t.Helper()
	entries, err := os.ReadDir(path)
	if err != nil {
		t.Fatalf("ReadDir %s: %v", path, err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestExportMailboxRawMessages(t *testing.T) {
	store := setupStore(t)
	raw := []byte("From: sender@example.com\r\nSubject: hello\r\n\r\nbody\r\n")
	writeTestMessage(t, store, "1", []string{transport.FlagSeen, transport.FlagFlagged}, raw)
	writeTestMessage(t, store, "2", nil, raw)

	dest := t.TempDir()
	n, err := NewExporter(store, logging.Discard()).ExportMailbox(context.Background(), testAccount, testMailbox, dest)
	if err != nil {
		t.Fatalf("ExportMailbox: %v", err)
	}
	if n != 2 {
		t.Fatalf("exported %d, want 2", n)
	}

	mailboxDir := filepath.Join(dest, testMailbox)

	cur := listDir(t, filepath.Join(mailboxDir, "cur"))
	if len(cur) != 1 {
		t.Fatalf("cur = %v, want the seen message", cur)
	}
	if !strings.HasSuffix(cur[0], ":2,FS") {
		t.Errorf("seen+flagged key = %q, want :2,FS suffix", cur[0])
	}
	content, err := os.ReadFile(filepath.Join(mailboxDir, "cur", cur[0]))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != string(raw) {
		t.Errorf("content = %q, want raw message unchanged", content)
	}

	newDir := listDir(t, filepath.Join(mailboxDir, "new"))
	if len(newDir) != 1 {
		t.Fatalf("new = %v, want the unseen message", newDir)
	}
	if strings.Contains(newDir[0], ":2,") {
		t.Errorf("unseen key = %q, want no info suffix", newDir[0])
	}

	if tmp := listDir(t, filepath.Join(mailboxDir, "tmp")); len(tmp) != 0 {
		t.Errorf("tmp = %v, want empty after delivery", tmp)
	}
}

func TestExportReconstructsWithoutRaw(t *testing.T) {
	store := setupStore(t)
	if err := store.WriteMessage(localstore.MessageFields{
		AccountEmail: testAccount,
		MailboxPath:  testMailbox,
		ExternalID:   "10",
		MessageID:    "10@example.com",
		Subject:      "No raw form",
		From:         []transport.Address{{Email: "sender@example.com"}},
		To:           []transport.Address{{Email: testAccount}},
		Date:         time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		BodyText:     "plain body",
	}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	dest := t.TempDir()
	n, err := NewExporter(store, logging.Discard()).ExportMailbox(context.Background(), testAccount, testMailbox, dest)
	if err != nil {
		t.Fatalf("ExportMailbox: %v", err)
	}
	if n != 1 {
		t.Fatalf("exported %d, want 1", n)
	}

	files := listDir(t, filepath.Join(dest, testMailbox, "new"))
	if len(files) != 1 {
		t.Fatalf("new = %v", files)
	}
	content, err := os.ReadFile(filepath.Join(dest, testMailbox, "new", files[0]))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(content)
	for _, want := range []string{
		"Subject: No raw form",
		"From: sender@example.com",
		"Message-ID: <10@example.com>",
		"Content-Type: text/plain; charset=utf-8",
		"plain body",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("reconstructed message missing %q:\n%s", want, text)
		}
	}
}

func TestExportSkipsMetadataOnlyMessages(t *testing.T) {
	store := setupStore(t)
	if err := store.WriteMessage(localstore.MessageFields{
		AccountEmail: testAccount,
		MailboxPath:  testMailbox,
		ExternalID:   "20",
		Subject:      "Headers only",
	}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	n, err := NewExporter(store, logging.Discard()).ExportMailbox(context.Background(), testAccount, testMailbox, t.TempDir())
	if err != nil {
		t.Fatalf("ExportMailbox: %v", err)
	}
	if n != 0 {
		t.Errorf("exported %d, want 0", n)
	}
}

func TestExportAccountWalksMailboxes(t *testing.T) {
	store := setupStore(t)
	raw := []byte("Subject: x\r\n\r\nbody\r\n")
	writeTestMessage(t, store, "1", nil, raw)
	if err := store.WriteMessage(localstore.MessageFields{
		AccountEmail: testAccount,
		MailboxPath:  "Archive/2026",
		ExternalID:   "2",
		Subject:      "archived",
		Raw:          raw,
	}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	dest := t.TempDir()
	n, err := NewExporter(store, logging.Discard()).ExportAccount(context.Background(), testAccount, dest)
	if err != nil {
		t.Fatalf("ExportAccount: %v", err)
	}
	if n != 2 {
		t.Fatalf("exported %d, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(dest, "Archive.2026", "new")); err != nil {
		t.Errorf("nested mailbox not exported under flattened name: %v", err)
	}
}

func TestMaildirFlagsOrdering(t *testing.T) {
	got := maildirFlags([]string{transport.FlagDeleted, transport.FlagSeen, transport.FlagDraft})
	if got != "DST" {
		t.Errorf("maildirFlags = %q, want ASCII-ordered DST", got)
	}
	if got := maildirFlags(nil); got != "" {
		t.Errorf("maildirFlags(nil) = %q", got)
	}
}
