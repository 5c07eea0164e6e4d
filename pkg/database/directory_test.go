package database

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// memStore records what the directory persisted and can be told to fail
type memStore struct {
	handles []string
	pending []PendingMessage

	appends  int
	rewrites int
	fail     bool
	closed   bool
}

var errDiskFull = errors.New("disk full")

func (m *memStore) Load() ([]string, []PendingMessage, error) {
	return append([]string(nil), m.handles...), append([]PendingMessage(nil), m.pending...), nil
}

func (m *memStore) AppendHandle(h string) error {
	if m.fail {
		return fmt.Errorf("%w: %w", ErrDirectoryIO, errDiskFull)
	}
	m.appends++
	m.handles = append(m.handles, h)
	return nil
}

func (m *memStore) AppendPending(p PendingMessage) error {
	if m.fail {
		return fmt.Errorf("%w: %w", ErrDirectoryIO, errDiskFull)
	}
	m.appends++
	m.pending = append(m.pending, p)
	return nil
}

func (m *memStore) RewriteHandles(handles []string) error {
	if m.fail {
		return fmt.Errorf("%w: %w", ErrDirectoryIO, errDiskFull)
	}
	m.rewrites++
	m.handles = append([]string(nil), handles...)
	return nil
}

func (m *memStore) RewritePending(pending []PendingMessage) error {
	if m.fail {
		return fmt.Errorf("%w: %w", ErrDirectoryIO, errDiskFull)
	}
	m.rewrites++
	m.pending = append([]PendingMessage(nil), pending...)
	return nil
}

func (m *memStore) Close() error {
	m.closed = true
	return nil
}

func newTestDirectory(t *testing.T, handles ...string) (*Directory, *memStore) {
	t.Helper()
	store := &memStore{}
	dir, err := OpenDirectory(store, Options{})
	require.NoError(t, err)
	for _, h := range handles {
		require.NoError(t, dir.Register(h))
	}
	return dir, store
}

func TestNormalizeAndValidateHandle(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "alice", want: "alice"},
		{input: "  Alice ", want: "alice"},
		{input: "BOB_2", want: "bob_2"},
		{input: "a-b", want: "a-b"},
		{input: "", wantErr: true},
		{input: "   ", wantErr: true},
		{input: "has space", wantErr: true},
		{input: "@alice", wantErr: true},
		{input: "a" + Delimiter + "b", wantErr: true},
		{input: strings.Repeat("x", DefaultMaxHandleLength), want: strings.Repeat("x", DefaultMaxHandleLength)},
		{input: strings.Repeat("x", DefaultMaxHandleLength+1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			h := NormalizeHandle(tt.input)
			err := ValidateHandle(h, 0)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidHandle)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, h)
		})
	}
}

func TestSanitizeBody(t *testing.T) {
	assert.Equal(t, "line one line two", SanitizeBody("line one\nline two"))
	assert.Equal(t, "a b c", SanitizeBody("a\r\nb\rc"))
	assert.Equal(t, "nodelim", SanitizeBody("no"+Delimiter+"delim"))
	// Removing the inner delimiter must not leave a new one behind
	assert.NotContains(t, SanitizeBody("-|:"+Delimiter+":|-"), Delimiter)
}

func TestRegisterAndLookup(t *testing.T) {
	dir, store := newTestDirectory(t)

	require.NoError(t, dir.Register("Alice"))
	assert.True(t, dir.IsRegistered("alice"))
	assert.True(t, dir.IsRegistered("ALICE"))
	assert.Equal(t, []string{"alice"}, store.handles, "registration must be persisted before returning")

	err := dir.Register("aLiCe")
	assert.ErrorIs(t, err, ErrHandleTaken)

	assert.ErrorIs(t, dir.Register("not valid"), ErrInvalidHandle)
	assert.Equal(t, []string{"alice"}, dir.Handles())
}

func TestHandlesInsertionOrder(t *testing.T) {
	dir, _ := newTestDirectory(t, "carol", "alice", "bob")

	handles := dir.Handles()
	assert.Equal(t, []string{"carol", "alice", "bob"}, handles)

	// Snapshot must not alias internal state
	handles[0] = "mallory"
	assert.Equal(t, "carol", dir.Handles()[0])
}

func TestConcurrentRegisterSameHandle(t *testing.T) {
	dir, _ := newTestDirectory(t)

	const workers = 32
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "racer"
			if i%2 == 0 {
				name = "RACER"
			}
			results <- dir.Register(name)
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrHandleTaken)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, dir.Stats().Handles)
}

func TestEnqueueRequiresRegisteredRecipient(t *testing.T) {
	dir, store := newTestDirectory(t, "alice")

	err := dir.Enqueue(PendingMessage{Sender: "alice", Recipient: "ghost", Body: "hello"})
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.Zero(t, dir.Stats().Pending)
	assert.Empty(t, store.pending)
}

func TestTakePendingFIFO(t *testing.T) {
	dir, store := newTestDirectory(t, "alice", "bob", "carol")

	require.NoError(t, dir.Enqueue(PendingMessage{Sender: "alice", Recipient: "bob", Body: "A"}))
	require.NoError(t, dir.Enqueue(PendingMessage{Sender: "carol", Recipient: "alice", Body: "other"}))
	require.NoError(t, dir.Enqueue(PendingMessage{Sender: "carol", Recipient: "BOB", Body: "B"}))

	assert.True(t, dir.HasPending("bob"))
	assert.Equal(t, 2, dir.PendingCount("bob"))

	taken := dir.TakePending("bob")
	require.Len(t, taken, 2)
	assert.Equal(t, "A", taken[0].Body)
	assert.Equal(t, "alice", taken[0].Sender)
	assert.Equal(t, "B", taken[1].Body)
	assert.Equal(t, "carol", taken[1].Sender)

	// Not idempotent
	assert.Empty(t, dir.TakePending("bob"))
	assert.False(t, dir.HasPending("bob"))

	// Other recipients untouched, and the removal was persisted
	assert.Equal(t, 1, dir.PendingCount("alice"))
	require.Len(t, store.pending, 1)
	assert.Equal(t, "alice", store.pending[0].Recipient)
}

func TestRequeueGoesAheadOfNewerMessages(t *testing.T) {
	dir, store := newTestDirectory(t, "alice", "bob", "carol")

	first := PendingMessage{Sender: "alice", Recipient: "bob", Body: "first"}
	second := PendingMessage{Sender: "alice", Recipient: "bob", Body: "second"}
	third := PendingMessage{Sender: "carol", Recipient: "bob", Body: "third"}
	forAlice := PendingMessage{Sender: "bob", Recipient: "alice", Body: "hi"}
	forCarol := PendingMessage{Sender: "bob", Recipient: "carol", Body: "yo"}

	require.NoError(t, dir.Enqueue(forAlice))
	require.NoError(t, dir.Enqueue(third))

	require.NoError(t, dir.Requeue(first, second, forCarol))

	assert.Equal(t, 3, dir.PendingCount("bob"))
	assert.Equal(t, 1, dir.PendingCount("carol"))
	assert.Equal(t, []PendingMessage{forAlice, first, second, third, forCarol}, store.pending)

	assert.Equal(t, []PendingMessage{first, second, third}, dir.TakePending("bob"))
	assert.Equal(t, []PendingMessage{forCarol}, dir.TakePending("carol"))
}

func TestRequeueDropsUnregisteredRecipients(t *testing.T) {
	dir, _ := newTestDirectory(t, "alice", "bob")

	err := dir.Requeue(
		PendingMessage{Sender: "alice", Recipient: "ghost", Body: "lost"},
		PendingMessage{Sender: "alice", Recipient: "bob", Body: "kept"},
	)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.Equal(t, []PendingMessage{{Sender: "alice", Recipient: "bob", Body: "kept"}}, dir.TakePending("bob"))

	require.NoError(t, dir.Close())
	assert.ErrorIs(t, dir.Requeue(PendingMessage{Sender: "alice", Recipient: "bob", Body: "x"}), ErrClosed)
}

func TestEnqueueSanitizesBody(t *testing.T) {
	dir, store := newTestDirectory(t, "alice", "bob")

	require.NoError(t, dir.Enqueue(PendingMessage{Sender: "alice", Recipient: "bob", Body: "two\nlines" + Delimiter}))
	require.Len(t, store.pending, 1)
	assert.Equal(t, "two lines", store.pending[0].Body)
}

func TestRemovePurgesPending(t *testing.T) {
	dir, store := newTestDirectory(t, "alice", "bob")

	require.NoError(t, dir.Enqueue(PendingMessage{Sender: "alice", Recipient: "bob", Body: "one"}))
	require.NoError(t, dir.Enqueue(PendingMessage{Sender: "alice", Recipient: "bob", Body: "two"}))
	require.NoError(t, dir.Enqueue(PendingMessage{Sender: "bob", Recipient: "alice", Body: "keep"}))

	purged, err := dir.Remove("Bob")
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	assert.False(t, dir.IsRegistered("bob"))
	assert.Equal(t, []string{"alice"}, store.handles)
	require.Len(t, store.pending, 1)
	assert.Equal(t, "keep", store.pending[0].Body)

	_, err = dir.Remove("bob")
	assert.ErrorIs(t, err, ErrUnknownHandle)

	// Handle can be registered again afterwards
	require.NoError(t, dir.Register("bob"))
	assert.False(t, dir.HasPending("bob"))
}

func TestWriteFailureMarksDirtyAndRecovers(t *testing.T) {
	var hookErrors []error
	store := &memStore{}
	dir, err := OpenDirectory(store, Options{OnWriteError: func(err error) { hookErrors = append(hookErrors, err) }})
	require.NoError(t, err)

	store.fail = true
	require.NoError(t, dir.Register("alice"), "in-memory state stays authoritative")
	assert.True(t, dir.IsRegistered("alice"))
	assert.True(t, dir.Stats().HandlesDirty)
	require.Len(t, hookErrors, 1)
	assert.ErrorIs(t, hookErrors[0], ErrDirectoryIO)

	store.fail = false
	require.NoError(t, dir.Register("bob"))

	// The mutation after a failure rewrites the whole collection
	assert.Equal(t, []string{"alice", "bob"}, store.handles)
	assert.Equal(t, 1, store.rewrites)
	assert.False(t, dir.Stats().HandlesDirty)
}

func TestFlushRewritesDirtyCollections(t *testing.T) {
	dir, store := newTestDirectory(t, "alice", "bob")

	store.fail = true
	require.NoError(t, dir.Enqueue(PendingMessage{Sender: "alice", Recipient: "bob", Body: "hi"}))
	assert.True(t, dir.Stats().PendingDirty)
	assert.Error(t, dir.Flush())

	store.fail = false
	require.NoError(t, dir.Flush())
	assert.False(t, dir.Stats().PendingDirty)
	require.Len(t, store.pending, 1)
	assert.Equal(t, "hi", store.pending[0].Body)
}

func TestOpenDropsOrphanedPending(t *testing.T) {
	store := &memStore{
		handles: []string{"alice", "alice", "bob"},
		pending: []PendingMessage{
			{Sender: "alice", Recipient: "bob", Body: "kept"},
			{Sender: "alice", Recipient: "gone", Body: "orphan"},
		},
	}
	dir, err := OpenDirectory(store, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob"}, dir.Handles())
	stats := dir.Stats()
	assert.Equal(t, 1, stats.Pending)
	assert.True(t, stats.HandlesDirty)
	assert.True(t, stats.PendingDirty)

	require.NoError(t, dir.Close())
	assert.True(t, store.closed)
	assert.Equal(t, []string{"alice", "bob"}, store.handles)
	assert.Len(t, store.pending, 1)
}

func TestClosedDirectoryRejectsMutations(t *testing.T) {
	dir, _ := newTestDirectory(t, "alice")
	require.NoError(t, dir.Close())
	require.NoError(t, dir.Close(), "close is idempotent")

	assert.ErrorIs(t, dir.Register("bob"), ErrClosed)
	assert.ErrorIs(t, dir.Enqueue(PendingMessage{Sender: "alice", Recipient: "alice", Body: "x"}), ErrClosed)
	_, err := dir.Remove("alice")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPendingQueuesAreFIFOPerRecipient(t *testing.T) {
	handles := []string{"alice", "bob", "carol"}

	rapid.Check(t, func(t *rapid.T) {
		store := &memStore{}
		dir, err := OpenDirectory(store, Options{})
		require.NoError(t, err)
		for _, h := range handles {
			require.NoError(t, dir.Register(h))
		}

		model := make(map[string][]PendingMessage)
		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			recipient := rapid.SampledFrom(handles).Draw(t, "recipient")

			if rapid.Bool().Draw(t, "take") {
				got := dir.TakePending(recipient)
				want := model[recipient]
				if len(want) == 0 {
					require.Empty(t, got)
				} else {
					require.Equal(t, want, got)
				}
				delete(model, recipient)
				continue
			}

			msg := PendingMessage{
				Sender:    rapid.SampledFrom(handles).Draw(t, "sender"),
				Recipient: recipient,
				Body:      rapid.StringMatching(`[a-zA-Z0-9 !?.]{1,20}`).Draw(t, "body"),
			}
			require.NoError(t, dir.Enqueue(msg))
			model[recipient] = append(model[recipient], msg)
		}

		// What was persisted reloads into the same queues
		reloaded, err := OpenDirectory(&memStore{handles: store.handles, pending: store.pending}, Options{})
		require.NoError(t, err)
		for _, h := range handles {
			require.Equal(t, len(model[h]), reloaded.PendingCount(h))
			if len(model[h]) > 0 {
				require.Equal(t, model[h], reloaded.TakePending(h))
			}
		}
	})
}
