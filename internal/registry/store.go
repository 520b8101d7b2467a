package registry

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// ConnectionStore is the durable backing for the registry. Stores only
// persist rows; all lifecycle policy (sweep ordering, replay guards,
// broadcast) lives in Registry.
type ConnectionStore interface {
	// UpsertUser creates the user record if missing and stamps
	// LastConnectAt.
	UpsertUser(ctx context.Context, userID string, connectAt time.Time) error
	// TouchDisconnect stamps LastDisconnectAt if the user record exists.
	// Missing users are not an error.
	TouchDisconnect(ctx context.Context, userID string, at time.Time) error
	GetUser(ctx context.Context, userID string) (ConnectedUser, error)

	InsertConnection(ctx context.Context, conn Connection) error
	// DeleteConnection removes the row and reports whether it existed.
	DeleteConnection(ctx context.Context, connID string) (bool, error)
	GetConnection(ctx context.Context, connID string) (Connection, error)

	// ConnectionsOf returns the live rows for one user: Active and
	// opened after the given horizon.
	ConnectionsOf(ctx context.Context, userID string, horizon time.Time) ([]Connection, error)
	ConnectionsOfUsers(ctx context.Context, userIDs []string, horizon time.Time) ([]Connection, error)

	// SweepUser deletes this user's rows that are inactive or opened
	// before the horizon.
	SweepUser(ctx context.Context, userID string, horizon time.Time) (int64, error)
	// SweepInactive deletes every Active=false row.
	SweepInactive(ctx context.Context) (int64, error)
	// SweepStale deletes every row opened before the horizon.
	SweepStale(ctx context.Context, horizon time.Time) (int64, error)

	CountUsers(ctx context.Context, horizon time.Time) (int, error)
	CountConnections(ctx context.Context, horizon time.Time) (int, error)
	Snapshot(ctx context.Context, horizon time.Time) ([]UserSnapshot, error)

	Close() error
}

// UserLookup is the seam to an external identity store: a plain
// key-to-record probe used for display purposes only.
type UserLookup interface {
	LookupUser(ctx context.Context, userID string) (UserProfile, error)
}
