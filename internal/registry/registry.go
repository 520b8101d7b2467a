// Package registry tracks which authenticated users currently hold
// which live connections, durably enough to survive missed disconnects,
// duplicate registrations, and process crashes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Salah1221/signalhub/internal/wire"
)

const DefaultStaleAge = 5 * time.Minute

// EventSink receives connection lifecycle events for delivery to peers.
// The hub implements it by broadcasting the configured event frame.
type EventSink interface {
	ConnectionEvent(ctx context.Context, event wire.ConnectionEvent)
}

type Options struct {
	// StaleAge is the staleness horizon: rows older than this are
	// believed dead and swept on the next open or resolution pass.
	StaleAge time.Duration
	// AutoPurgeOffline additionally sweeps all inactive rows globally on
	// every open.
	AutoPurgeOffline bool
	// TrackUserAgent captures the user agent label at open.
	TrackUserAgent bool
	// BroadcastEvents emits opened/closed/reopened events to the sink.
	BroadcastEvents bool
}

func DefaultOptions() Options {
	return Options{
		StaleAge:         DefaultStaleAge,
		AutoPurgeOffline: true,
		TrackUserAgent:   true,
		BroadcastEvents:  true,
	}
}

// Registry owns the (user, connection) lifecycle over a ConnectionStore.
// Store errors abort the in-progress operation but never poison the
// registry; the next operation re-reads the truth.
type Registry struct {
	logger *log.Logger
	store  ConnectionStore
	opts   Options
	sink   EventSink
	lookup UserLookup
}

func New(logger *log.Logger, store ConnectionStore, opts Options) *Registry {
	if opts.StaleAge <= 0 {
		opts.StaleAge = DefaultStaleAge
	}
	return &Registry{logger: logger, store: store, opts: opts}
}

// SetEventSink wires the broadcast destination. Must be called before
// the first open when broadcasting is enabled; a nil sink disables it.
func (r *Registry) SetEventSink(sink EventSink) {
	r.sink = sink
}

// SetUserLookup wires the external identity probe used to enrich
// snapshots. Optional; the registry's own records are the fallback.
func (r *Registry) SetUserLookup(lookup UserLookup) {
	r.lookup = lookup
}

func (r *Registry) horizon(now time.Time) time.Time {
	return now.Add(-r.opts.StaleAge)
}

// OnOpen records a freshly opened connection. Idempotent under replays
// of the same connection id: the stale row is replaced and the event is
// reported as a reopen. Opens without a user id are invisible to the
// registry.
func (r *Registry) OnOpen(ctx context.Context, userID, connID, userAgent string) error {
	userID = strings.TrimSpace(userID)
	connID = strings.TrimSpace(connID)
	if userID == "" {
		return nil
	}
	if connID == "" {
		return fmt.Errorf("connection id is required")
	}

	now := time.Now().UTC()
	if _, err := r.store.SweepUser(ctx, userID, r.horizon(now)); err != nil {
		return fmt.Errorf("sweep user %s: %w", userID, err)
	}

	replayed, err := r.store.DeleteConnection(ctx, connID)
	if err != nil {
		return fmt.Errorf("replace connection %s: %w", connID, err)
	}
	if replayed {
		r.logger.Printf("duplicate open replaced connection_id=%s user_id=%s", connID, userID)
	}

	if err := r.store.UpsertUser(ctx, userID, now); err != nil {
		return err
	}

	if !r.opts.TrackUserAgent {
		userAgent = ""
	}
	conn := Connection{
		ConnectionID: connID,
		UserID:       userID,
		UserAgent:    userAgent,
		Active:       true,
		OpenedAt:     now,
	}
	if err := r.store.InsertConnection(ctx, conn); err != nil {
		return err
	}

	if r.opts.AutoPurgeOffline {
		if _, err := r.store.SweepInactive(ctx); err != nil {
			return fmt.Errorf("purge offline: %w", err)
		}
	}

	kind := wire.EventOpened
	if replayed {
		kind = wire.EventReopened
	}
	r.broadcast(ctx, wire.ConnectionEvent{
		UserID:       userID,
		ConnectionID: connID,
		UserAgent:    userAgent,
		Kind:         kind,
		At:           now,
	})
	return nil
}

// OnClose removes the connection row and stamps the user's disconnect
// time. Idempotent under redundant close. Closes without a user id are
// a registry no-op and never broadcast.
func (r *Registry) OnClose(ctx context.Context, userID, connID string) error {
	userID = strings.TrimSpace(userID)
	connID = strings.TrimSpace(connID)
	if userID == "" {
		return nil
	}

	now := time.Now().UTC()
	if err := r.store.TouchDisconnect(ctx, userID, now); err != nil {
		return err
	}

	deleted, err := r.store.DeleteConnection(ctx, connID)
	if err != nil {
		return err
	}
	if !deleted {
		r.logger.Printf("close for unknown connection connection_id=%s user_id=%s", connID, userID)
	}

	// Verify the delete took; a stale identity-map cache in the store
	// layer can resurrect the row.
	if _, err := r.store.GetConnection(ctx, connID); err == nil {
		r.logger.Printf("connection row survived delete, retrying connection_id=%s", connID)
		if _, err := r.store.DeleteConnection(ctx, connID); err != nil {
			return err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	r.broadcast(ctx, wire.ConnectionEvent{
		UserID:       userID,
		ConnectionID: connID,
		Kind:         wire.EventClosed,
		At:           now,
	})
	return nil
}

func (r *Registry) broadcast(ctx context.Context, event wire.ConnectionEvent) {
	if !r.opts.BroadcastEvents || r.sink == nil {
		return
	}
	r.sink.ConnectionEvent(ctx, event)
}

// IsConnected reports whether the user holds at least one live
// connection, after the staleness sweep.
func (r *Registry) IsConnected(ctx context.Context, userID string) (bool, error) {
	conns, err := r.ConnectionsOf(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(conns) > 0, nil
}

// ConnectionsOf sweeps the user's stale rows, then returns the ids of
// the remaining live connections.
func (r *Registry) ConnectionsOf(ctx context.Context, userID string) ([]string, error) {
	now := time.Now().UTC()
	horizon := r.horizon(now)
	if _, err := r.store.SweepUser(ctx, userID, horizon); err != nil {
		return nil, fmt.Errorf("sweep user %s: %w", userID, err)
	}
	conns, err := r.store.ConnectionsOf(ctx, userID, horizon)
	if err != nil {
		return nil, err
	}
	return connectionIDs(conns), nil
}

func (r *Registry) ConnectionsOfUsers(ctx context.Context, userIDs []string) ([]string, error) {
	now := time.Now().UTC()
	horizon := r.horizon(now)
	for _, userID := range userIDs {
		if _, err := r.store.SweepUser(ctx, userID, horizon); err != nil {
			return nil, fmt.Errorf("sweep user %s: %w", userID, err)
		}
	}
	conns, err := r.store.ConnectionsOfUsers(ctx, userIDs, horizon)
	if err != nil {
		return nil, err
	}
	return connectionIDs(conns), nil
}

// ActiveConnection reports whether the given connection id maps to a row
// flagged Active. The staleness horizon is not applied and nothing is
// swept.
func (r *Registry) ActiveConnection(ctx context.Context, connID string) (bool, error) {
	conn, err := r.store.GetConnection(ctx, connID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return conn.Active, nil
}

func (r *Registry) CountUsers(ctx context.Context) (int, error) {
	return r.store.CountUsers(ctx, r.horizon(time.Now().UTC()))
}

func (r *Registry) CountConnections(ctx context.Context) (int, error) {
	return r.store.CountConnections(ctx, r.horizon(time.Now().UTC()))
}

func (r *Registry) SnapshotUsers(ctx context.Context) ([]UserSnapshot, error) {
	snapshot, err := r.store.Snapshot(ctx, r.horizon(time.Now().UTC()))
	if err != nil {
		return nil, err
	}
	if r.lookup != nil {
		for i := range snapshot {
			profile, err := r.lookup.LookupUser(ctx, snapshot[i].User.UserID)
			if err != nil {
				continue
			}
			p := profile
			snapshot[i].Profile = &p
		}
	}
	return snapshot, nil
}

// SweepStale evicts every row older than the staleness horizon. Run
// periodically so crashed connections do not linger between opens.
func (r *Registry) SweepStale(ctx context.Context) (int64, error) {
	return r.store.SweepStale(ctx, r.horizon(time.Now().UTC()))
}

func connectionIDs(conns []Connection) []string {
	out := make([]string, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.ConnectionID)
	}
	return out
}
