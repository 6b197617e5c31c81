package cache

import (
	"errors"
	"fmt"

	"dutybot/internal/domain"
)

var (
	// ErrNotBuilt means no snapshot of the kind was ever synced. It is not
	// the same as a built snapshot with zero entries.
	ErrNotBuilt    = errors.New("cache snapshot not built")
	ErrSyncFailed  = errors.New("cache sync failed")
	ErrUnknownKind = errors.New("unknown cache kind")
)

// SyncError wraps the authoritative-read (or snapshot write) failure behind
// a sync. It matches ErrSyncFailed.
type SyncError struct {
	Kind domain.CacheKind
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSyncFailed, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) Is(target error) bool { return target == ErrSyncFailed }
