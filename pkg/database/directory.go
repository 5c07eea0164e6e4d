package database

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
)

var (
	// ErrDirectoryIO wraps every failure to read or write durable storage.
	ErrDirectoryIO = errors.New("directory I/O error")
	// ErrCorruptRecord indicates a persisted record that cannot be parsed.
	ErrCorruptRecord = fmt.Errorf("%w: corrupt record", ErrDirectoryIO)
	// ErrHandleTaken indicates the handle is already registered (in any case).
	ErrHandleTaken = errors.New("handle already registered")
	// ErrInvalidHandle indicates the handle is empty, too long or uses disallowed characters.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrUnknownHandle indicates the handle is not registered.
	ErrUnknownHandle = errors.New("handle not registered")
	// ErrClosed is returned by mutations after Close.
	ErrClosed = errors.New("directory closed")
)

const (
	// Delimiter separates the fields of a persisted pending message.
	Delimiter = "-|::|-"

	// DefaultMaxHandleLength is the handle length limit unless configured otherwise
	DefaultMaxHandleLength = 32

	// maxStoredHandleLength bounds handles read back from storage, independent
	// of the configured limit, so lowering the limit never makes old data corrupt.
	maxStoredHandleLength = 255
)

var handlePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// PendingMessage is a message waiting for an offline recipient.
type PendingMessage struct {
	Sender    string
	Recipient string
	Body      string
}

// Stats is a point-in-time summary of the directory.
type Stats struct {
	Handles      int
	Pending      int
	HandlesDirty bool
	PendingDirty bool
}

// Options configures a Directory.
type Options struct {
	MaxHandleLength int
	// OnWriteError is called (with the directory lock held) whenever a
	// mutation could not be persisted.
	OnWriteError func(err error)
}

// Directory is the in-memory source of truth for registered handles and
// pending messages. Every mutation is persisted through the Store before the
// call returns; if persistence fails the collection is marked dirty and the
// next mutation (or Flush) rewrites it in full.
type Directory struct {
	mu    sync.Mutex
	store Store

	handles    []string // insertion order
	registered map[string]struct{}

	pending      []PendingMessage // creation order
	pendingCount map[string]int

	handlesDirty bool
	pendingDirty bool
	closed       bool

	maxHandleLength int
	onWriteError    func(err error)
}

// NormalizeHandle trims and lower-cases a handle.
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// ValidateHandle checks an already-normalized handle against the length
// limit and the allowed character set.
func ValidateHandle(h string, maxLength int) error {
	if maxLength <= 0 {
		maxLength = DefaultMaxHandleLength
	}
	if h == "" || len(h) > maxLength || !handlePattern.MatchString(h) {
		return ErrInvalidHandle
	}
	return nil
}

// SanitizeBody makes a message body safe for single-line storage:
// line breaks become spaces and the field delimiter is removed.
func SanitizeBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", " ")
	body = strings.ReplaceAll(body, "\r", " ")
	body = strings.ReplaceAll(body, "\n", " ")
	// Removing one occurrence can join two halves into a new one
	for strings.Contains(body, Delimiter) {
		body = strings.ReplaceAll(body, Delimiter, "")
	}
	return body
}

// OpenDirectory loads both collections from the store. Any load failure is
// returned and the directory must not be used.
func OpenDirectory(store Store, opts Options) (*Directory, error) {
	handles, pending, err := store.Load()
	if err != nil {
		return nil, err
	}

	d := &Directory{
		store:           store,
		registered:      make(map[string]struct{}, len(handles)),
		pendingCount:    make(map[string]int),
		maxHandleLength: opts.MaxHandleLength,
		onWriteError:    opts.OnWriteError,
	}
	if d.maxHandleLength <= 0 {
		d.maxHandleLength = DefaultMaxHandleLength
	}

	for _, h := range handles {
		if _, dup := d.registered[h]; dup {
			log.Printf("Directory: dropping duplicate handle %q", h)
			d.handlesDirty = true
			continue
		}
		d.registered[h] = struct{}{}
		d.handles = append(d.handles, h)
	}

	for _, m := range pending {
		if _, ok := d.registered[m.Recipient]; !ok {
			log.Printf("Directory: dropping pending message for unregistered handle %q", m.Recipient)
			d.pendingDirty = true
			continue
		}
		d.pending = append(d.pending, m)
		d.pendingCount[m.Recipient]++
	}

	log.Printf("Directory loaded: %d handles, %d pending messages", len(d.handles), len(d.pending))
	return d, nil
}

// IsRegistered reports whether the handle (in any case) is registered
func (d *Directory) IsRegistered(h string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.registered[NormalizeHandle(h)]
	return ok
}

// Register adds a new handle. The existence check and the insert happen
// under one lock, so two concurrent registrations of the same handle can
// never both succeed.
func (d *Directory) Register(h string) error {
	h = NormalizeHandle(h)
	if err := ValidateHandle(h, d.maxHandleLength); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if _, ok := d.registered[h]; ok {
		return ErrHandleTaken
	}

	d.registered[h] = struct{}{}
	d.handles = append(d.handles, h)

	if d.handlesDirty {
		d.rewriteHandles()
	} else if err := d.store.AppendHandle(h); err != nil {
		d.writeFailed(&d.handlesDirty, err)
	}
	return nil
}

// Remove unregisters a handle and purges its pending messages, returning
// how many were purged.
func (d *Directory) Remove(h string) (int, error) {
	h = NormalizeHandle(h)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}
	if _, ok := d.registered[h]; !ok {
		return 0, ErrUnknownHandle
	}

	delete(d.registered, h)
	for i, existing := range d.handles {
		if existing == h {
			d.handles = append(d.handles[:i], d.handles[i+1:]...)
			break
		}
	}
	d.rewriteHandles()

	purged := d.pendingCount[h]
	if purged > 0 {
		kept := d.pending[:0]
		for _, m := range d.pending {
			if m.Recipient != h {
				kept = append(kept, m)
			}
		}
		clearTail(d.pending, len(kept))
		d.pending = kept
		delete(d.pendingCount, h)
		d.rewritePending()
	}

	return purged, nil
}

// Handles returns a snapshot of the registered handles in insertion order
func (d *Directory) Handles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.handles))
	copy(out, d.handles)
	return out
}

// Enqueue appends a pending message for a registered recipient.
func (d *Directory) Enqueue(m PendingMessage) error {
	m.Sender = NormalizeHandle(m.Sender)
	m.Recipient = NormalizeHandle(m.Recipient)
	m.Body = SanitizeBody(m.Body)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if _, ok := d.registered[m.Recipient]; !ok {
		return ErrUnknownHandle
	}

	d.pending = append(d.pending, m)
	d.pendingCount[m.Recipient]++

	if d.pendingDirty {
		d.rewritePending()
	} else if err := d.store.AppendPending(m); err != nil {
		d.writeFailed(&d.pendingDirty, err)
	}
	return nil
}

// Requeue puts back messages that were taken for delivery but never written.
// They go ahead of anything queued for the same recipient in the meantime,
// so each recipient still reads its messages oldest first. Messages for
// handles that are no longer registered are dropped and reported with
// ErrUnknownHandle.
func (d *Directory) Requeue(msgs ...PendingMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	var dropped bool
	restored := make([]PendingMessage, 0, len(msgs))
	ahead := make(map[string][]PendingMessage)
	for _, m := range msgs {
		m.Sender = NormalizeHandle(m.Sender)
		m.Recipient = NormalizeHandle(m.Recipient)
		m.Body = SanitizeBody(m.Body)
		if _, ok := d.registered[m.Recipient]; !ok {
			dropped = true
			continue
		}
		restored = append(restored, m)
		ahead[m.Recipient] = append(ahead[m.Recipient], m)
	}

	if len(restored) > 0 {
		merged := make([]PendingMessage, 0, len(d.pending)+len(restored))
		for _, m := range d.pending {
			if first, ok := ahead[m.Recipient]; ok {
				merged = append(merged, first...)
				delete(ahead, m.Recipient)
			}
			merged = append(merged, m)
		}
		// Recipients with nothing queued since
		for _, m := range restored {
			if _, ok := ahead[m.Recipient]; ok {
				merged = append(merged, m)
			}
		}

		d.pending = merged
		for _, m := range restored {
			d.pendingCount[m.Recipient]++
		}
		d.rewritePending()
	}

	if dropped {
		return ErrUnknownHandle
	}
	return nil
}

// HasPending reports whether any message is waiting for the handle
func (d *Directory) HasPending(h string) bool {
	return d.PendingCount(h) > 0
}

// PendingCount returns how many messages are waiting for the handle
func (d *Directory) PendingCount(h string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingCount[NormalizeHandle(h)]
}

// TakePending removes and returns every message waiting for the handle,
// oldest first.
func (d *Directory) TakePending(h string) []PendingMessage {
	h = NormalizeHandle(h)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.pendingCount[h] == 0 {
		return nil
	}

	taken := make([]PendingMessage, 0, d.pendingCount[h])
	kept := d.pending[:0]
	for _, m := range d.pending {
		if m.Recipient == h {
			taken = append(taken, m)
		} else {
			kept = append(kept, m)
		}
	}
	clearTail(d.pending, len(kept))
	d.pending = kept
	delete(d.pendingCount, h)

	d.rewritePending()
	return taken
}

// Stats returns collection sizes and dirty flags
func (d *Directory) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Handles:      len(d.handles),
		Pending:      len(d.pending),
		HandlesDirty: d.handlesDirty,
		PendingDirty: d.pendingDirty,
	}
}

// Flush rewrites any collection whose last persistence attempt failed.
func (d *Directory) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *Directory) flushLocked() error {
	var errs []error
	if d.handlesDirty {
		if err := d.rewriteHandles(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.pendingDirty {
		if err := d.rewritePending(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes dirty collections and closes the store. Further mutations
// return ErrClosed.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	flushErr := d.flushLocked()
	return errors.Join(flushErr, d.store.Close())
}

func (d *Directory) rewriteHandles() error {
	if err := d.store.RewriteHandles(d.handles); err != nil {
		d.writeFailed(&d.handlesDirty, err)
		return err
	}
	d.handlesDirty = false
	return nil
}

func (d *Directory) rewritePending() error {
	if err := d.store.RewritePending(d.pending); err != nil {
		d.writeFailed(&d.pendingDirty, err)
		return err
	}
	d.pendingDirty = false
	return nil
}

// writeFailed keeps the in-memory state authoritative and schedules a full
// rewrite of the affected collection.
func (d *Directory) writeFailed(dirty *bool, err error) {
	*dirty = true
	log.Printf("Directory write failed, will rewrite on next mutation: %v", err)
	if d.onWriteError != nil {
		d.onWriteError(err)
	}
}

// clearTail zeroes the entries past n so removed messages can be collected
func clearTail(s []PendingMessage, n int) {
	for i := n; i < len(s); i++ {
		s[i] = PendingMessage{}
	}
}
