package localstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const indexFileName = "index.jsonl"

// appendIndexEntry appends one JSON row to the mailbox index log. The
// log is append-only for every non-compacting mutation so a failed
// append can never corrupt prior content.
func appendIndexEntry(indexPath string, entry IndexEntry) error {
	if err := os.MkdirAll(filepath.Dir(indexPath), 0750); err != nil {
		return fmt.Errorf("creating mailbox dir: %w", err)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding index entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(indexPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("opening index log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending index entry: %w", err)
	}
	return f.Sync()
}

// readIndexEntries returns every row of the log in physical order.
// A missing log reads as empty. Rows that fail to decode are skipped:
// a torn final line after a crash must not make the mailbox unreadable.
func readIndexEntries(indexPath string) ([]IndexEntry, error) {
	f, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening index log: %w", err)
	}
	defer f.Close()

	var entries []IndexEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry IndexEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("reading index log: %w", err)
	}
	return entries, nil
}

// reduceIndexEntries folds physical rows into the observable index:
// the last physically appended row per ExternalID wins.
func reduceIndexEntries(entries []IndexEntry) map[string]IndexEntry {
	reduced := make(map[string]IndexEntry, len(entries))
	for _, entry := range entries {
		reduced[entry.ExternalID] = entry
	}
	return reduced
}

// rewriteIndex replaces the log with exactly the given rows, writing a
// sibling temp file and renaming it into place. Only delete and compact
// go through here; ordinary mutations append.
func rewriteIndex(indexPath string, entries []IndexEntry) error {
	if err := os.MkdirAll(filepath.Dir(indexPath), 0750); err != nil {
		return fmt.Errorf("creating mailbox dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(indexPath), indexFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp index: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("encoding index entry: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("writing temp index: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flushing temp index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp index: %w", err)
	}

	if err := os.Rename(tmpPath, indexPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing index log: %w", err)
	}
	return nil
}
