package database

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

const (
	defaultHandlesFile  = "usernames.txt"
	defaultMessagesFile = "unread_messages.txt"
	defaultDatabaseFile = "relaychat.db"

	tempSuffix = ".tmp"
)

// FileStore keeps handles and pending messages in two line-oriented text
// files. New records are appended; removals rewrite the whole file through
// a temp file that is synced and then renamed over the original.
type FileStore struct {
	handlesPath  string
	messagesPath string
}

// OpenFileStore creates the data directory if needed. Empty file names
// select the defaults.
func OpenFileStore(dataDir, handlesFile, messagesFile string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %w", ErrDirectoryIO, err)
	}
	return &FileStore{
		handlesPath:  joinDataPath(dataDir, handlesFile, defaultHandlesFile),
		messagesPath: joinDataPath(dataDir, messagesFile, defaultMessagesFile),
	}, nil
}

func joinDataPath(dataDir, name, fallback string) string {
	if name == "" {
		name = fallback
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dataDir, name)
}

// Load implements Store
func (fs *FileStore) Load() ([]string, []PendingMessage, error) {
	var handles []string
	err := fs.readLines(fs.handlesPath, func(line string) error {
		if len(line) > maxStoredHandleLength || !handlePattern.MatchString(line) {
			return fmt.Errorf("invalid handle %q", line)
		}
		handles = append(handles, line)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var pending []PendingMessage
	err = fs.readLines(fs.messagesPath, func(line string) error {
		m, err := parsePendingLine(line)
		if err != nil {
			return err
		}
		pending = append(pending, m)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return handles, pending, nil
}

func parsePendingLine(line string) (PendingMessage, error) {
	fields := strings.Split(line, Delimiter)
	if len(fields) != 3 {
		return PendingMessage{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	for _, h := range fields[:2] {
		if len(h) > maxStoredHandleLength || !handlePattern.MatchString(h) {
			return PendingMessage{}, fmt.Errorf("invalid handle %q", h)
		}
	}
	return PendingMessage{Sender: fields[0], Recipient: fields[1], Body: fields[2]}, nil
}

func formatPendingLine(m PendingMessage) string {
	return m.Sender + Delimiter + m.Recipient + Delimiter + m.Body
}

// readLines calls fn for every non-blank line. A missing file is an empty
// collection.
func (fs *FileStore) readLines(path string, fn func(line string) error) error {
	if err := recoverTemp(path); err != nil {
		return err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrDirectoryIO, path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("%w: read %s: %w", ErrDirectoryIO, path, err)
		}
		if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
			if ferr := fn(trimmed); ferr != nil {
				return fmt.Errorf("%w: %s line %d: %v", ErrCorruptRecord, filepath.Base(path), lineNo, ferr)
			}
		}
		if err == io.EOF {
			return nil
		}
	}
}

// recoverTemp resolves a rewrite interrupted by a crash. A temp file with
// no original is the newest complete copy; next to an intact original it is
// an unfinished rewrite and is discarded.
func recoverTemp(path string) error {
	tmp := path + tempSuffix
	if _, err := os.Stat(tmp); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Printf("Recovering %s from interrupted rewrite", filepath.Base(path))
		if err := atomic.ReplaceFile(tmp, path); err != nil {
			return fmt.Errorf("%w: promote %s: %w", ErrDirectoryIO, tmp, err)
		}
		return nil
	}

	log.Printf("Discarding unfinished rewrite %s", filepath.Base(tmp))
	if err := os.Remove(tmp); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrDirectoryIO, tmp, err)
	}
	return nil
}

// AppendHandle implements Store
func (fs *FileStore) AppendHandle(h string) error {
	return appendLine(fs.handlesPath, h)
}

// AppendPending implements Store
func (fs *FileStore) AppendPending(m PendingMessage) error {
	return appendLine(fs.messagesPath, formatPendingLine(m))
}

// RewriteHandles implements Store
func (fs *FileStore) RewriteHandles(handles []string) error {
	return rewriteLines(fs.handlesPath, handles)
}

// RewritePending implements Store
func (fs *FileStore) RewritePending(pending []PendingMessage) error {
	lines := make([]string, len(pending))
	for i, m := range pending {
		lines[i] = formatPendingLine(m)
	}
	return rewriteLines(fs.messagesPath, lines)
}

// Close implements Store. Files are opened per operation, so there is
// nothing to release.
func (fs *FileStore) Close() error {
	return nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrDirectoryIO, path, err)
	}

	// One write per record so a crash cannot interleave half lines
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("%w: append %s: %w", ErrDirectoryIO, path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync %s: %w", ErrDirectoryIO, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrDirectoryIO, path, err)
	}
	return nil
}

func rewriteLines(path string, lines []string) error {
	tmp := path + tempSuffix

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrDirectoryIO, tmp, err)
	}

	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: write %s: %w", ErrDirectoryIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: sync %s: %w", ErrDirectoryIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: close %s: %w", ErrDirectoryIO, tmp, err)
	}

	if err := atomic.ReplaceFile(tmp, path); err != nil {
		return fmt.Errorf("%w: replace %s: %w", ErrDirectoryIO, path, err)
	}
	return nil
}
