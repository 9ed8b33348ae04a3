// Package syncmirror pushes archive artifacts to remote mirrors. The
// archive on local disk is always authoritative; mirrors are replicas
// that may lag, and sync trouble never blocks generation.
package syncmirror

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Stat when the remote object is absent.
var ErrNotFound = errors.New("remote object not found")

// RemoteInfo describes one mirrored object.
type RemoteInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Provider is one mirror backend.
type Provider interface {
	Name() string
	EnsureFolder(ctx context.Context, path string) error
	Upload(ctx context.Context, path string, data []byte) error
	Stat(ctx context.Context, path string) (RemoteInfo, error)
	List(ctx context.Context, prefix string) ([]RemoteInfo, error)
	Delete(ctx context.Context, path string) error
}

// Conflict policies for objects that exist on both sides.
const (
	ConflictLocalWins  = "local_wins"
	ConflictRemoteWins = "remote_wins"
	ConflictNewest     = "newest"
)
