// Package localstore is the durable on-disk representation of
// synchronized mail for one workspace. Messages live under
// account/mailbox/message directories; each mailbox additionally keeps
// an append-only index log (index.jsonl) that is the source of truth
// for listing. Mutations are serialized per (account, mailbox) by a
// keyed ticket lock; unrelated mailboxes proceed in parallel.
package localstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fenilsonani/mailsync/internal/logging"
	"github.com/fenilsonani/mailsync/internal/metrics"
	"github.com/fenilsonani/mailsync/internal/pathcodec"
)

const (
	metaFileName    = "meta.json"
	bodyHTMLName    = "body.html"
	bodyHTMLRawName = "body-raw.html"
	bodyTextName    = "body.md"
	rawMessageName  = "message.eml"
	attachmentsDir  = "attachments"
)

// Store is the file-backed mailbox store rooted at one workspace
// directory.
type Store struct {
	root   string
	logger *logging.Logger
	locks  *keyLocks
	cache  *indexCache
}

// New creates the store root if needed and returns a Store.
func New(root string, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	cache := newIndexCache()
	cache.onEvict = func(string) { metrics.IndexCacheEvictions.Inc() }
	return &Store{
		root:   root,
		logger: logger,
		locks:  newKeyLocks(),
		cache:  cache,
	}, nil
}

// key is the lock and cache key for one mailbox. Account emails are
// case-insensitive identities, so the key always uses the lowered form.
func (s *Store) key(account, mailbox string) string {
	return strings.ToLower(account) + "/" + mailbox
}

func (s *Store) accountDir(account string) string {
	return filepath.Join(s.root, strings.ToLower(account))
}

func (s *Store) mailboxDir(account, mailbox string) string {
	return filepath.Join(s.accountDir(account), pathcodec.Encode(mailbox))
}

func (s *Store) messageDir(account, mailbox, externalID string) string {
	return filepath.Join(s.mailboxDir(account, mailbox), externalID)
}

func (s *Store) indexPath(account, mailbox string) string {
	return filepath.Join(s.mailboxDir(account, mailbox), indexFileName)
}

// WriteMessage creates or overwrites a message's metadata and any
// present content files, appends one index entry, and invalidates the
// mailbox's cached index. Re-writing the same external ID is safe: the
// newer row simply wins under reduction.
func (s *Store) WriteMessage(fields MessageFields) error {
	key := s.key(fields.AccountEmail, fields.MailboxPath)
	unlock := s.locks.lock(key)
	defer unlock()

	return s.writeMessageLocked(fields)
}

func (s *Store) writeMessageLocked(fields MessageFields) error {
	msgDir := s.messageDir(fields.AccountEmail, fields.MailboxPath, fields.ExternalID)
	if err := os.MkdirAll(msgDir, 0750); err != nil {
		return fmt.Errorf("creating message dir: %w", err)
	}

	now := time.Now().UTC()
	meta := &Meta{
		AccountEmail: strings.ToLower(fields.AccountEmail),
		MailboxPath:  fields.MailboxPath,
		ExternalID:   fields.ExternalID,
		Generation:   fields.Generation,
		MessageID:    fields.MessageID,
		Subject:      fields.Subject,
		From:         fields.From,
		To:           fields.To,
		Cc:           fields.Cc,
		Bcc:          fields.Bcc,
		Date:         fields.Date,
		Flags:        fields.Flags,
		Snippet:      fields.Snippet,
		Size:         fields.Size,
		Attachments:  fields.Attachments,
		AuthResults:  fields.AuthResults,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// An overwrite keeps the original creation time and the cached
	// attachment list; those describe local state, not remote state.
	if prev, err := s.readMeta(fields.AccountEmail, fields.MailboxPath, fields.ExternalID); err == nil && prev != nil {
		meta.CreatedAt = prev.CreatedAt
		meta.CachedAttachments = prev.CachedAttachments
		if meta.AuthResults == "" {
			meta.AuthResults = prev.AuthResults
		}
	}

	content := []struct {
		name string
		data []byte
	}{
		{bodyHTMLName, []byte(fields.BodyHTML)},
		{bodyHTMLRawName, []byte(fields.BodyHTMLRaw)},
		{bodyTextName, []byte(fields.BodyText)},
		{rawMessageName, fields.Raw},
	}
	for _, c := range content {
		// Absent content must not create a file: existence of a body
		// file is itself metadata.
		if len(c.data) == 0 {
			continue
		}
		if err := os.WriteFile(filepath.Join(msgDir, c.name), c.data, 0640); err != nil {
			return fmt.Errorf("writing %s: %w", c.name, err)
		}
	}
	meta.HasBodyHTML = fileExists(filepath.Join(msgDir, bodyHTMLName))
	meta.HasBodyText = fileExists(filepath.Join(msgDir, bodyTextName))
	meta.HasRawMessage = fileExists(filepath.Join(msgDir, rawMessageName))

	if err := s.writeMeta(msgDir, meta); err != nil {
		return err
	}

	if err := appendIndexEntry(s.indexPath(fields.AccountEmail, fields.MailboxPath), entryFromMeta(meta)); err != nil {
		return err
	}

	metrics.StoreOperations.WithLabelValues("write").Inc()
	s.cache.invalidate(s.key(fields.AccountEmail, fields.MailboxPath))
	return nil
}

// ReadMeta returns the message metadata, or nil when the message is not
// stored locally. Only genuine IO failures surface as errors.
func (s *Store) ReadMeta(account, mailbox, externalID string) (*Meta, error) {
	return s.readMeta(account, mailbox, externalID)
}

func (s *Store) readMeta(account, mailbox, externalID string) (*Meta, error) {
	raw, err := os.ReadFile(filepath.Join(s.messageDir(account, mailbox, externalID), metaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decoding meta: %w", err)
	}
	return &meta, nil
}

// ReadBodyHTML returns the stored HTML body, or nil when absent.
func (s *Store) ReadBodyHTML(account, mailbox, externalID string) ([]byte, error) {
	return s.readContent(account, mailbox, externalID, bodyHTMLName)
}

// ReadBodyHTMLRaw returns the unsanitized HTML body preserved when
// sanitization changed the content, or nil when absent.
func (s *Store) ReadBodyHTMLRaw(account, mailbox, externalID string) ([]byte, error) {
	return s.readContent(account, mailbox, externalID, bodyHTMLRawName)
}

// ReadBodyText returns the stored text body, or nil when absent.
func (s *Store) ReadBodyText(account, mailbox, externalID string) ([]byte, error) {
	return s.readContent(account, mailbox, externalID, bodyTextName)
}

// ReadRawMessage returns the stored raw message, or nil when absent.
func (s *Store) ReadRawMessage(account, mailbox, externalID string) ([]byte, error) {
	return s.readContent(account, mailbox, externalID, rawMessageName)
}

func (s *Store) readContent(account, mailbox, externalID, name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.messageDir(account, mailbox, externalID), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return raw, nil
}

// LoadIndex returns the mailbox's reduced index keyed by external ID.
// The cached reduction is served only while the log's modification time
// is unchanged; otherwise the log is re-read and reduced. Callers must
// not mutate the returned map.
func (s *Store) LoadIndex(account, mailbox string) (map[string]IndexEntry, error) {
	indexPath := s.indexPath(account, mailbox)
	fi, err := os.Stat(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]IndexEntry{}, nil
		}
		return nil, fmt.Errorf("stat index log: %w", err)
	}

	key := s.key(account, mailbox)
	if reduced, ok := s.cache.get(key, fi.ModTime()); ok {
		metrics.IndexCacheHits.Inc()
		return reduced, nil
	}
	metrics.IndexCacheMisses.Inc()

	entries, err := readIndexEntries(indexPath)
	if err != nil {
		return nil, err
	}
	reduced := reduceIndexEntries(entries)
	s.cache.put(key, reduced, fi.ModTime())
	return reduced, nil
}

// UpdateFlags rewrites the metadata file's flags and appends a new
// index entry reflecting them. History is never rewritten.
func (s *Store) UpdateFlags(account, mailbox, externalID string, flags []string) error {
	key := s.key(account, mailbox)
	unlock := s.locks.lock(key)
	defer unlock()

	meta, err := s.readMeta(account, mailbox, externalID)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("updating flags for %s/%s/%s: %w", strings.ToLower(account), mailbox, externalID, ErrNotFound)
	}

	meta.Flags = flags
	meta.UpdatedAt = time.Now().UTC()
	if err := s.writeMeta(s.messageDir(account, mailbox, externalID), meta); err != nil {
		return err
	}
	if err := appendIndexEntry(s.indexPath(account, mailbox), entryFromMeta(meta)); err != nil {
		return err
	}

	metrics.StoreOperations.WithLabelValues("update_flags").Inc()
	s.cache.invalidate(key)
	return nil
}

// DeleteMessage removes the message directory and rewrites the index
// log with the external ID filtered out. This is the one operation that
// compacts by necessity rather than appending a tombstone.
func (s *Store) DeleteMessage(account, mailbox, externalID string) error {
	key := s.key(account, mailbox)
	unlock := s.locks.lock(key)
	defer unlock()

	if err := os.RemoveAll(s.messageDir(account, mailbox, externalID)); err != nil {
		return fmt.Errorf("removing message dir: %w", err)
	}

	if err := s.filterIndexLocked(account, mailbox, externalID); err != nil {
		return err
	}

	metrics.StoreOperations.WithLabelValues("delete").Inc()
	s.cache.invalidate(key)
	return nil
}

func (s *Store) filterIndexLocked(account, mailbox, externalID string) error {
	entries, err := readIndexEntries(s.indexPath(account, mailbox))
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, entry := range entries {
		if entry.ExternalID != externalID {
			kept = append(kept, entry)
		}
	}
	return rewriteIndex(s.indexPath(account, mailbox), kept)
}

// MoveMessage relocates a message between two mailboxes of the same
// account, holding both mailbox locks (acquired in lexicographic key
// order). A retry that finds the message already moved is a no-op.
// A crash mid-move leaves the message recoverable from whichever
// directory still exists.
func (s *Store) MoveMessage(account, fromMailbox, toMailbox, externalID string) error {
	fromKey := s.key(account, fromMailbox)
	toKey := s.key(account, toMailbox)
	unlock := s.locks.lockPair(fromKey, toKey)
	defer unlock()

	srcDir := s.messageDir(account, fromMailbox, externalID)
	dstDir := s.messageDir(account, toMailbox, externalID)

	srcExists := fileExists(filepath.Join(srcDir, metaFileName))
	dstExists := fileExists(filepath.Join(dstDir, metaFileName))

	switch {
	case !srcExists && !dstExists:
		return fmt.Errorf("moving %s from %s to %s: %w", externalID, fromMailbox, toMailbox, ErrNotFound)
	case srcExists && !dstExists:
		if err := os.MkdirAll(filepath.Dir(dstDir), 0750); err != nil {
			return fmt.Errorf("creating destination mailbox dir: %w", err)
		}
		if err := os.Rename(srcDir, dstDir); err != nil {
			return fmt.Errorf("relocating message dir: %w", err)
		}
	case srcExists && dstExists:
		// An interrupted earlier move already copied the directory; the
		// destination wins and the source leftover is discarded.
		if err := os.RemoveAll(srcDir); err != nil {
			return fmt.Errorf("removing source leftover: %w", err)
		}
	}

	meta, err := s.readMeta(account, toMailbox, externalID)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("moved message has no metadata: %s", externalID)
	}
	meta.MailboxPath = toMailbox
	meta.UpdatedAt = time.Now().UTC()
	if err := s.writeMeta(dstDir, meta); err != nil {
		return err
	}

	if err := s.filterIndexLocked(account, fromMailbox, externalID); err != nil {
		return err
	}
	if err := appendIndexEntry(s.indexPath(account, toMailbox), entryFromMeta(meta)); err != nil {
		return err
	}

	metrics.StoreOperations.WithLabelValues("move").Inc()
	s.cache.invalidate(fromKey)
	s.cache.invalidate(toKey)
	return nil
}

// CompactIndex rewrites the log to exactly one winning row per external
// ID. Purely storage reclamation: the observable reduction is unchanged.
func (s *Store) CompactIndex(account, mailbox string) error {
	key := s.key(account, mailbox)
	unlock := s.locks.lock(key)
	defer unlock()

	indexPath := s.indexPath(account, mailbox)
	entries, err := readIndexEntries(indexPath)
	if err != nil {
		return err
	}
	if entries == nil {
		return nil
	}

	// Keep each ID's winning row at the position where it won, so
	// compaction is deterministic for a given log.
	lastRow := make(map[string]int, len(entries))
	for i, entry := range entries {
		lastRow[entry.ExternalID] = i
	}
	compacted := make([]IndexEntry, 0, len(lastRow))
	for i, entry := range entries {
		if lastRow[entry.ExternalID] == i {
			compacted = append(compacted, entry)
		}
	}

	if err := rewriteIndex(indexPath, compacted); err != nil {
		return err
	}

	metrics.StoreOperations.WithLabelValues("compact").Inc()
	s.cache.invalidate(key)
	return nil
}

// ListMailboxes returns the decoded mailbox paths with local storage
// for the account, sorted for stable output.
func (s *Store) ListMailboxes(account string) ([]string, error) {
	entries, err := os.ReadDir(s.accountDir(account))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading account dir: %w", err)
	}

	var mailboxes []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path, err := pathcodec.Decode(entry.Name())
		if err != nil {
			// Not one of ours; leave foreign directories alone.
			continue
		}
		mailboxes = append(mailboxes, path)
	}
	sort.Strings(mailboxes)
	return mailboxes, nil
}

// DeleteAccountFiles removes all local storage for an account. Used on
// account removal.
func (s *Store) DeleteAccountFiles(account string) error {
	if err := os.RemoveAll(s.accountDir(account)); err != nil {
		return fmt.Errorf("removing account storage: %w", err)
	}
	metrics.StoreOperations.WithLabelValues("delete_account").Inc()
	s.cache.invalidatePrefix(strings.ToLower(account) + "/")
	return nil
}

func (s *Store) writeMeta(msgDir string, meta *Meta) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(msgDir, metaFileName), raw, 0640); err != nil {
		return fmt.Errorf("writing meta: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
