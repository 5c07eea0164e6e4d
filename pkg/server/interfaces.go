package server

import "github.com/aeolun/relaychat/pkg/database"

// DirectoryStore defines the directory operations used by sessions and the router.
// *database.Directory implements it.
type DirectoryStore interface {
	IsRegistered(handle string) bool
	Register(handle string) error
	Remove(handle string) (int, error)
	Handles() []string

	Enqueue(msg database.PendingMessage) error
	PendingCount(handle string) int
	TakePending(handle string) []database.PendingMessage
	Requeue(msgs ...database.PendingMessage) error

	Stats() database.Stats
	Flush() error
	Close() error
}

var _ DirectoryStore = (*database.Directory)(nil)
