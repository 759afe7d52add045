// Package export writes synced mailboxes out as maildirs, so any
// maildir-aware client can read an offline copy of the local store.
package export

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-maildir"

	"github.com/fenilsonani/mailsync/internal/localstore"
	"github.com/fenilsonani/mailsync/internal/logging"
	"github.com/fenilsonani/mailsync/internal/transport"
)

// Exporter copies messages from the local store into maildir trees.
type Exporter struct {
	local  *localstore.Store
	logger *logging.Logger
}

// NewExporter returns an exporter over the local store.
func NewExporter(local *localstore.Store, logger *logging.Logger) *Exporter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Exporter{local: local, logger: logger}
}

// ExportAccount exports every mailbox of the account under destRoot,
// one maildir per mailbox. It returns the number of messages written.
func (e *Exporter) ExportAccount(ctx context.Context, account, destRoot string) (int, error) {
	mailboxes, err := e.local.ListMailboxes(account)
	if err != nil {
		return 0, fmt.Errorf("listing mailboxes: %w", err)
	}

	total := 0
	for _, mailbox := range mailboxes {
		n, err := e.ExportMailbox(ctx, account, mailbox, destRoot)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ExportMailbox exports one mailbox into destRoot/<safe mailbox name>.
// Messages without a stored raw form are reconstructed from their
// metadata and body files.
func (e *Exporter) ExportMailbox(ctx context.Context, account, mailbox, destRoot string) (int, error) {
	ctx = logging.WithAccount(ctx, account)
	ctx = logging.WithMailbox(ctx, mailbox)

	entries, err := e.local.LoadIndex(account, mailbox)
	if err != nil {
		return 0, fmt.Errorf("loading index: %w", err)
	}

	dir, err := ensureMaildir(filepath.Join(destRoot, safeName(mailbox)))
	if err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	written := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		raw, err := e.rawMessage(account, mailbox, id)
		if err != nil {
			return written, fmt.Errorf("reading message %s: %w", id, err)
		}
		if raw == nil {
			e.logger.WarnContext(ctx, "skipping message without stored content", "external_id", id)
			continue
		}
		if err := writeMaildirMessage(dir, raw, entries[id].Flags); err != nil {
			return written, fmt.Errorf("writing message %s: %w", id, err)
		}
		written++
	}

	e.logger.InfoContext(ctx, "mailbox exported", "destination", string(dir), "messages", written)
	return written, nil
}

// rawMessage returns the message's stored raw form, or a reconstruction
// from metadata and body files, or nil when neither exists.
func (e *Exporter) rawMessage(account, mailbox, externalID string) ([]byte, error) {
	raw, err := e.local.ReadRawMessage(account, mailbox, externalID)
	if err != nil || raw != nil {
		return raw, err
	}

	meta, err := e.local.ReadMeta(account, mailbox, externalID)
	if err != nil || meta == nil {
		return nil, err
	}

	body, err := e.local.ReadBodyText(account, mailbox, externalID)
	if err != nil {
		return nil, err
	}
	contentType := "text/plain; charset=utf-8"
	if body == nil {
		body, err = e.local.ReadBodyHTML(account, mailbox, externalID)
		if err != nil {
			return nil, err
		}
		contentType = "text/html; charset=utf-8"
	}
	if body == nil {
		return nil, nil
	}

	var b strings.Builder
	writeAddressHeader(&b, "From", meta.From)
	writeAddressHeader(&b, "To", meta.To)
	writeAddressHeader(&b, "Cc", meta.Cc)
	if meta.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\r\n", meta.Subject)
	}
	if !meta.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\r\n", meta.Date.Format(time.RFC1123Z))
	}
	if meta.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: <%s>\r\n", strings.Trim(meta.MessageID, "<>"))
	}
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	b.WriteString("MIME-Version: 1.0\r\n\r\n")
	b.Write(body)
	return []byte(b.String()), nil
}

func writeAddressHeader(b *strings.Builder, name string, addrs []transport.Address) {
	if len(addrs) == 0 {
		return
	}
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		if a.Name != "" {
			parts[i] = fmt.Sprintf("%q <%s>", a.Name, a.Email)
		} else {
			parts[i] = a.Email
		}
	}
	fmt.Fprintf(b, "%s: %s\r\n", name, strings.Join(parts, ", "))
}

// ensureMaildir creates the cur/new/tmp structure under path.
func ensureMaildir(path string) (maildir.Dir, error) {
	for _, subdir := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(path, subdir), 0o750); err != nil {
			return "", fmt.Errorf("creating %s: %w", subdir, err)
		}
	}
	return maildir.Dir(path), nil
}

// writeMaildirMessage delivers one message: written to tmp first, then
// renamed into cur (seen) or new (unseen) with the standard info
// suffix.
func writeMaildirMessage(dir maildir.Dir, raw []byte, flags []string) error {
	key := generateKey()
	tmpPath := filepath.Join(string(dir), "tmp", key)
	if err := os.WriteFile(tmpPath, raw, 0o640); err != nil {
		return err
	}

	destDir := "new"
	finalKey := key
	if suffix := maildirFlags(flags); suffix != "" {
		finalKey = key + ":2," + suffix
	}
	if transport.HasFlag(flags, transport.FlagSeen) {
		destDir = "cur"
	}

	destPath := filepath.Join(string(dir), destDir, finalKey)
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func generateKey() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return fmt.Sprintf("%d.%s", time.Now().UnixNano(), hex.EncodeToString(buf))
}

// maildirFlags maps canonical flags to the maildir info letters, in
// ASCII order as the format requires.
func maildirFlags(flags []string) string {
	var letters []rune
	for letter, flag := range map[rune]string{
		'D': transport.FlagDraft,
		'F': transport.FlagFlagged,
		'R': transport.FlagAnswered,
		'S': transport.FlagSeen,
		'T': transport.FlagDeleted,
	} {
		if transport.HasFlag(flags, flag) {
			letters = append(letters, letter)
		}
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return string(letters)
}

func safeName(mailbox string) string {
	return strings.ReplaceAll(mailbox, "/", ".")
}
