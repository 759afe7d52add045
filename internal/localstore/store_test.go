package localstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fenilsonani/mailsync/internal/logging"
	"github.com/fenilsonani/mailsync/internal/pathcodec"
	"github.com/fenilsonani/mailsync/internal/transport"
)

const (
	testAccount = "User@Example.com"
	testMailbox = "INBOX/Receipts"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), ".mailstore"), logging.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func testFields(externalID, subject string) MessageFields {
	return MessageFields{
		AccountEmail: testAccount,
		MailboxPath:  testMailbox,
		ExternalID:   externalID,
		Subject:      subject,
		From:         []transport.Address{{Name: "Sender", Email: "sender@example.com"}},
		To:           []transport.Address{{Email: "user@example.com"}},
		Date:         time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Flags:        []string{`\Seen`},
		Size:         512,
	}
}

func TestWriteAndReadMessage(t *testing.T) {
	s := setupTestStore(t)

	fields := testFields("100", "Test Subject")
	fields.BodyHTML = "<p>Hello</p>"
	if err := s.WriteMessage(fields); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	meta, err := s.ReadMeta(testAccount, testMailbox, "100")
	if err != nil {
		t.Fatalf("ReadMeta() error = %v", err)
	}
	if meta == nil {
		t.Fatal("ReadMeta() = nil for stored message")
	}
	if meta.Subject != "Test Subject" {
		t.Errorf("Subject = %q", meta.Subject)
	}
	if !meta.HasBodyHTML {
		t.Error("HasBodyHTML = false")
	}
	if meta.HasBodyText || meta.HasRawMessage {
		t.Error("absent content should not be flagged as present")
	}
	if meta.AccountEmail != "user@example.com" {
		t.Errorf("AccountEmail not lowercased: %q", meta.AccountEmail)
	}

	html, err := s.ReadBodyHTML(testAccount, testMailbox, "100")
	if err != nil {
		t.Fatalf("ReadBodyHTML() error = %v", err)
	}
	if string(html) != "<p>Hello</p>" {
		t.Errorf("ReadBodyHTML() = %q", html)
	}

	// Absent content creates no files.
	msgDir := s.messageDir(testAccount, testMailbox, "100")
	for _, name := range []string{bodyTextName, rawMessageName, bodyHTMLRawName} {
		if _, err := os.Stat(filepath.Join(msgDir, name)); !os.IsNotExist(err) {
			t.Errorf("%s should not exist", name)
		}
	}

	// Flag update is visible in a subsequent read.
	if err := s.UpdateFlags(testAccount, testMailbox, "100", []string{`\Seen`, `\Deleted`}); err != nil {
		t.Fatalf("UpdateFlags() error = %v", err)
	}
	meta, err = s.ReadMeta(testAccount, testMailbox, "100")
	if err != nil {
		t.Fatalf("ReadMeta() after update error = %v", err)
	}
	if !transport.HasFlag(meta.Flags, `\Deleted`) {
		t.Errorf("flags after update = %v, want \\Deleted present", meta.Flags)
	}
}

func TestReadsReturnNilWhenAbsent(t *testing.T) {
	s := setupTestStore(t)

	meta, err := s.ReadMeta(testAccount, testMailbox, "nope")
	if err != nil || meta != nil {
		t.Errorf("ReadMeta() = (%v, %v), want (nil, nil)", meta, err)
	}
	body, err := s.ReadBodyHTML(testAccount, testMailbox, "nope")
	if err != nil || body != nil {
		t.Errorf("ReadBodyHTML() = (%v, %v), want (nil, nil)", body, err)
	}
	data, err := s.ReadCachedAttachment(testAccount, testMailbox, "nope", "a.pdf")
	if err != nil || data != nil {
		t.Errorf("ReadCachedAttachment() = (%v, %v), want (nil, nil)", data, err)
	}
}

func TestLastWriteWins(t *testing.T) {
	s := setupTestStore(t)

	if err := s.WriteMessage(testFields("7", "first subject")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if err := s.WriteMessage(testFields("7", "second subject")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	index, err := s.LoadIndex(testAccount, testMailbox)
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	if len(index) != 1 {
		t.Fatalf("len(index) = %d, want 1", len(index))
	}
	if index["7"].Subject != "second subject" {
		t.Errorf("reduced subject = %q, want last write", index["7"].Subject)
	}

	// Two writes produce two physical rows.
	raw, err := os.ReadFile(s.indexPath(testAccount, testMailbox))
	if err != nil {
		t.Fatalf("reading index log: %v", err)
	}
	if got := strings.Count(string(raw), "\n"); got != 2 {
		t.Errorf("physical rows = %d, want 2", got)
	}
}

func TestCacheReflectsWrites(t *testing.T) {
	s := setupTestStore(t)

	if err := s.WriteMessage(testFields("1", "one")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	index, err := s.LoadIndex(testAccount, testMailbox)
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	if len(index) != 1 {
		t.Fatalf("len(index) = %d, want 1", len(index))
	}

	if err := s.WriteMessage(testFields("2", "two")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	index, err = s.LoadIndex(testAccount, testMailbox)
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	if len(index) != 2 {
		t.Errorf("len(index) after write = %d, want 2 (stale cache served)", len(index))
	}
}

func TestLRUBound(t *testing.T) {
	s := setupTestStore(t)

	for i := 0; i < 32; i++ {
		mailbox := fmt.Sprintf("Folder-%02d", i)
		fields := testFields("1", "msg")
		fields.MailboxPath = mailbox
		if err := s.WriteMessage(fields); err != nil {
			t.Fatalf("WriteMessage(%s) error = %v", mailbox, err)
		}
		if _, err := s.LoadIndex(testAccount, mailbox); err != nil {
			t.Fatalf("LoadIndex(%s) error = %v", mailbox, err)
		}
	}

	if got := s.cache.len(); got > indexCacheCapacity {
		t.Errorf("cache holds %d entries, capacity is %d", got, indexCacheCapacity)
	}

	// The evicted mailbox reloads from disk with correct data.
	index, err := s.LoadIndex(testAccount, "Folder-00")
	if err != nil {
		t.Fatalf("LoadIndex(evicted) error = %v", err)
	}
	if len(index) != 1 || index["1"].Subject != "msg" {
		t.Errorf("evicted mailbox reload = %v", index)
	}
}

func TestConcurrentWrites(t *testing.T) {
	s := setupTestStore(t)

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- s.WriteMessage(testFields(fmt.Sprintf("%d", n), fmt.Sprintf("subject %d", n)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent WriteMessage() error = %v", err)
		}
	}

	index, err := s.LoadIndex(testAccount, testMailbox)
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	if len(index) != writers {
		t.Errorf("len(index) = %d, want %d (lost update)", len(index), writers)
	}
}

func TestCompactPreservesReduction(t *testing.T) {
	s := setupTestStore(t)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("%d", i)
		if err := s.WriteMessage(testFields(id, "v1-"+id)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("%d", i)
		if err := s.UpdateFlags(testAccount, testMailbox, id, []string{`\Seen`, `\Flagged`}); err != nil {
			t.Fatalf("UpdateFlags() error = %v", err)
		}
	}

	before, err := s.LoadIndex(testAccount, testMailbox)
	if err != nil {
		t.Fatalf("LoadIndex() before compact error = %v", err)
	}
	rawBefore, _ := os.ReadFile(s.indexPath(testAccount, testMailbox))

	if err := s.CompactIndex(testAccount, testMailbox); err != nil {
		t.Fatalf("CompactIndex() error = %v", err)
	}

	after, err := s.LoadIndex(testAccount, testMailbox)
	if err != nil {
		t.Fatalf("LoadIndex() after compact error = %v", err)
	}

	if len(after) != len(before) {
		t.Fatalf("reduction cardinality changed: %d -> %d", len(before), len(after))
	}
	for id, want := range before {
		got, ok := after[id]
		if !ok {
			t.Errorf("id %s missing after compaction", id)
			continue
		}
		if got.Subject != want.Subject || fmt.Sprint(got.Flags) != fmt.Sprint(want.Flags) {
			t.Errorf("id %s changed: %+v -> %+v", id, want, got)
		}
	}

	rawAfter, _ := os.ReadFile(s.indexPath(testAccount, testMailbox))
	linesBefore := strings.Count(string(rawBefore), "\n")
	linesAfter := strings.Count(string(rawAfter), "\n")
	if linesAfter > linesBefore {
		t.Errorf("compaction grew the log: %d -> %d lines", linesBefore, linesAfter)
	}
	if linesAfter != len(after) {
		t.Errorf("compacted log has %d lines for %d messages", linesAfter, len(after))
	}
}

func TestMoveMessage(t *testing.T) {
	s := setupTestStore(t)
	const dest = "Archive"

	fields := testFields("55", "to be moved")
	fields.BodyHTML = "<p>body</p>"
	if err := s.WriteMessage(fields); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	if err := s.MoveMessage(testAccount, testMailbox, dest, "55"); err != nil {
		t.Fatalf("MoveMessage() error = %v", err)
	}

	src, err := s.LoadIndex(testAccount, testMailbox)
	if err != nil {
		t.Fatalf("LoadIndex(source) error = %v", err)
	}
	if _, ok := src["55"]; ok {
		t.Error("moved message still present in source index")
	}
	dst, err := s.LoadIndex(testAccount, dest)
	if err != nil {
		t.Fatalf("LoadIndex(dest) error = %v", err)
	}
	if _, ok := dst["55"]; !ok {
		t.Error("moved message absent from destination index")
	}

	if _, err := os.Stat(s.messageDir(testAccount, testMailbox, "55")); !os.IsNotExist(err) {
		t.Error("source message dir still exists")
	}
	if _, err := os.Stat(s.messageDir(testAccount, dest, "55")); err != nil {
		t.Errorf("destination message dir: %v", err)
	}

	meta, err := s.ReadMeta(testAccount, dest, "55")
	if err != nil || meta == nil {
		t.Fatalf("ReadMeta(dest) = (%v, %v)", meta, err)
	}
	if meta.MailboxPath != dest {
		t.Errorf("meta.MailboxPath = %q, want %q", meta.MailboxPath, dest)
	}
	if body, _ := s.ReadBodyHTML(testAccount, dest, "55"); string(body) != "<p>body</p>" {
		t.Errorf("body did not travel with the message: %q", body)
	}

	// A retry that finds the message already moved is a no-op.
	if err := s.MoveMessage(testAccount, testMailbox, dest, "55"); err != nil {
		t.Errorf("retried MoveMessage() error = %v, want nil", err)
	}
}

func TestMoveMissingMessage(t *testing.T) {
	s := setupTestStore(t)
	err := s.MoveMessage(testAccount, testMailbox, "Archive", "404")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("MoveMessage(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteMessage(t *testing.T) {
	s := setupTestStore(t)

	if err := s.WriteMessage(testFields("9", "doomed")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if err := s.DeleteMessage(testAccount, testMailbox, "9"); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}

	if _, err := os.Stat(s.messageDir(testAccount, testMailbox, "9")); !os.IsNotExist(err) {
		t.Error("message dir still exists after delete")
	}
	index, err := s.LoadIndex(testAccount, testMailbox)
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	if _, ok := index["9"]; ok {
		t.Error("deleted message still present in reduced index")
	}
}

func TestCachedAttachments(t *testing.T) {
	s := setupTestStore(t)

	fields := testFields("3", "with attachment")
	fields.Attachments = []transport.Attachment{{Filename: "report.pdf", MIMEType: "application/pdf", Size: 4}}
	if err := s.WriteMessage(fields); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	if err := s.CacheAttachment(testAccount, testMailbox, "3", "report.pdf", []byte("%PDF")); err != nil {
		t.Fatalf("CacheAttachment() error = %v", err)
	}

	data, err := s.ReadCachedAttachment(testAccount, testMailbox, "3", "report.pdf")
	if err != nil {
		t.Fatalf("ReadCachedAttachment() error = %v", err)
	}
	if string(data) != "%PDF" {
		t.Errorf("attachment content = %q", data)
	}

	names, err := s.ListCachedAttachments(testAccount, testMailbox, "3")
	if err != nil {
		t.Fatalf("ListCachedAttachments() error = %v", err)
	}
	if len(names) != 1 || names[0] != "report.pdf" {
		t.Errorf("ListCachedAttachments() = %v", names)
	}

	meta, _ := s.ReadMeta(testAccount, testMailbox, "3")
	if len(meta.CachedAttachments) != 1 || meta.CachedAttachments[0] != "report.pdf" {
		t.Errorf("meta.CachedAttachments = %v", meta.CachedAttachments)
	}

	// The cached list survives a message re-write.
	if err := s.WriteMessage(fields); err != nil {
		t.Fatalf("re-WriteMessage() error = %v", err)
	}
	meta, _ = s.ReadMeta(testAccount, testMailbox, "3")
	if len(meta.CachedAttachments) != 1 {
		t.Errorf("CachedAttachments lost on overwrite: %v", meta.CachedAttachments)
	}
}

func TestDeleteAccountFiles(t *testing.T) {
	s := setupTestStore(t)

	if err := s.WriteMessage(testFields("1", "a")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if err := s.DeleteAccountFiles(testAccount); err != nil {
		t.Fatalf("DeleteAccountFiles() error = %v", err)
	}

	if _, err := os.Stat(s.accountDir(testAccount)); !os.IsNotExist(err) {
		t.Error("account dir still exists")
	}
	index, err := s.LoadIndex(testAccount, testMailbox)
	if err != nil {
		t.Fatalf("LoadIndex() after account delete error = %v", err)
	}
	if len(index) != 0 {
		t.Errorf("index not empty after account delete: %v", index)
	}
}

func TestListMailboxes(t *testing.T) {
	s := setupTestStore(t)

	for _, mailbox := range []string{"INBOX", "Sent Items", "Archiv/2024"} {
		fields := testFields("1", "m")
		fields.MailboxPath = mailbox
		if err := s.WriteMessage(fields); err != nil {
			t.Fatalf("WriteMessage(%s) error = %v", mailbox, err)
		}
	}

	got, err := s.ListMailboxes(testAccount)
	if err != nil {
		t.Fatalf("ListMailboxes() error = %v", err)
	}
	want := []string{"Archiv/2024", "INBOX", "Sent Items"}
	if len(got) != len(want) {
		t.Fatalf("ListMailboxes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListMailboxes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMailboxDirIsEncoded(t *testing.T) {
	s := setupTestStore(t)

	mailbox := "Geschäft/Rechnungen"
	fields := testFields("1", "m")
	fields.MailboxPath = mailbox
	if err := s.WriteMessage(fields); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	dir := filepath.Base(s.mailboxDir(testAccount, mailbox))
	if strings.ContainsAny(dir, "/\\") {
		t.Errorf("mailbox dir %q is not a single path segment", dir)
	}
	decoded, err := pathcodec.Decode(dir)
	if err != nil || decoded != mailbox {
		t.Errorf("Decode(%q) = (%q, %v), want %q", dir, decoded, err, mailbox)
	}
}
