package localstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fenilsonani/mailsync/internal/metrics"
)

// CacheAttachment stores downloaded attachment content under the
// message's attachments directory and records the filename in the
// metadata file's cached list. Content is addressed by filename:
// caching the same filename again overwrites it.
func (s *Store) CacheAttachment(account, mailbox, externalID, filename string, data []byte) error {
	key := s.key(account, mailbox)
	unlock := s.locks.lock(key)
	defer unlock()

	meta, err := s.readMeta(account, mailbox, externalID)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("caching attachment for %s: %w", externalID, ErrNotFound)
	}

	// Attachment filenames come from remote messages; only the base
	// name is ever used as a path segment.
	filename = filepath.Base(filename)

	dir := filepath.Join(s.messageDir(account, mailbox, externalID), attachmentsDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating attachments dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0640); err != nil {
		return fmt.Errorf("writing attachment: %w", err)
	}

	cached := false
	for _, name := range meta.CachedAttachments {
		if name == filename {
			cached = true
			break
		}
	}
	if !cached {
		meta.CachedAttachments = append(meta.CachedAttachments, filename)
		sort.Strings(meta.CachedAttachments)
		if err := s.writeMeta(s.messageDir(account, mailbox, externalID), meta); err != nil {
			return err
		}
	}

	metrics.StoreOperations.WithLabelValues("cache_attachment").Inc()
	return nil
}

// ReadCachedAttachment returns the cached attachment content, or nil
// when it has not been cached.
func (s *Store) ReadCachedAttachment(account, mailbox, externalID, filename string) ([]byte, error) {
	path := filepath.Join(s.messageDir(account, mailbox, externalID), attachmentsDir, filepath.Base(filename))
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading attachment: %w", err)
	}
	return raw, nil
}

// ListCachedAttachments returns the filenames cached for a message.
func (s *Store) ListCachedAttachments(account, mailbox, externalID string) ([]string, error) {
	dir := filepath.Join(s.messageDir(account, mailbox, externalID), attachmentsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading attachments dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
