package database

import "fmt"

// Store persists the two directory collections. Implementations are called
// with the Directory lock held and must not retain the slices they are given.
type Store interface {
	// Load reads both collections in their persisted order
	Load() (handles []string, pending []PendingMessage, err error)
	AppendHandle(h string) error
	AppendPending(m PendingMessage) error
	// RewriteHandles atomically replaces the persisted handle collection
	RewriteHandles(handles []string) error
	// RewritePending atomically replaces the persisted pending collection
	RewritePending(pending []PendingMessage) error
	Close() error
}

// Backend names accepted by OpenStore
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// StoreConfig selects and locates a Store
type StoreConfig struct {
	Backend      string
	DataDir      string
	HandlesFile  string
	MessagesFile string
	DatabaseFile string
}

// OpenStore opens the configured backend
func OpenStore(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return OpenFileStore(cfg.DataDir, cfg.HandlesFile, cfg.MessagesFile)
	case BackendSQLite:
		return OpenSQLiteStore(joinDataPath(cfg.DataDir, cfg.DatabaseFile, defaultDatabaseFile))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
