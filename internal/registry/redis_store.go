package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisConnsKey  = "signalhub:conns"
	redisConnKey   = "signalhub:conn:"
	redisUserKey   = "signalhub:user:"
	redisUserConns = ":conns"
)

// RedisStore keeps the registry in redis: one hash per connection, one
// hash per user, plus index sets. Staleness is enforced by the same
// OpenedAt predicate as the SQL stores rather than by key TTLs, so the
// sweep semantics are identical across backends.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func connKey(connID string) string { return redisConnKey + connID }

func userKey(userID string) string { return redisUserKey + userID }

func userConnsKey(userID string) string { return redisUserKey + userID + redisUserConns }

func (s *RedisStore) UpsertUser(ctx context.Context, userID string, connectAt time.Time) error {
	err := s.rdb.HSet(ctx, userKey(userID),
		"user_id", userID,
		"last_connect_at", connectAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *RedisStore) TouchDisconnect(ctx context.Context, userID string, at time.Time) error {
	exists, err := s.rdb.Exists(ctx, userKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("touch disconnect: %w", err)
	}
	if exists == 0 {
		return nil
	}
	err = s.rdb.HSet(ctx, userKey(userID), "last_disconnect_at", at.UTC().Format(time.RFC3339Nano)).Err()
	if err != nil {
		return fmt.Errorf("touch disconnect: %w", err)
	}
	return nil
}

func (s *RedisStore) GetUser(ctx context.Context, userID string) (ConnectedUser, error) {
	fields, err := s.rdb.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return ConnectedUser{}, fmt.Errorf("get user: %w", err)
	}
	if len(fields) == 0 {
		return ConnectedUser{}, ErrNotFound
	}
	user := ConnectedUser{UserID: userID}
	if ts, ok := parseRedisTime(fields["last_connect_at"]); ok {
		user.LastConnectAt = &ts
	}
	if ts, ok := parseRedisTime(fields["last_disconnect_at"]); ok {
		user.LastDisconnectAt = &ts
	}
	return user, nil
}

func (s *RedisStore) InsertConnection(ctx context.Context, conn Connection) error {
	active := "0"
	if conn.Active {
		active = "1"
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, connKey(conn.ConnectionID),
			"connection_id", conn.ConnectionID,
			"user_id", conn.UserID,
			"user_agent", conn.UserAgent,
			"active", active,
			"opened_at", conn.OpenedAt.UTC().Format(time.RFC3339Nano),
		)
		pipe.SAdd(ctx, redisConnsKey, conn.ConnectionID)
		pipe.SAdd(ctx, userConnsKey(conn.UserID), conn.ConnectionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteConnection(ctx context.Context, connID string) (bool, error) {
	conn, err := s.GetConnection(ctx, connID)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, connKey(connID))
		pipe.SRem(ctx, redisConnsKey, connID)
		pipe.SRem(ctx, userConnsKey(conn.UserID), connID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete connection: %w", err)
	}
	return true, nil
}

func (s *RedisStore) GetConnection(ctx context.Context, connID string) (Connection, error) {
	fields, err := s.rdb.HGetAll(ctx, connKey(connID)).Result()
	if err != nil {
		return Connection{}, fmt.Errorf("get connection: %w", err)
	}
	if len(fields) == 0 {
		return Connection{}, ErrNotFound
	}
	return connectionFromFields(connID, fields), nil
}

func (s *RedisStore) ConnectionsOf(ctx context.Context, userID string, horizon time.Time) ([]Connection, error) {
	connIDs, err := s.rdb.SMembers(ctx, userConnsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("connections of user: %w", err)
	}
	return s.collectLive(ctx, connIDs, horizon)
}

func (s *RedisStore) ConnectionsOfUsers(ctx context.Context, userIDs []string, horizon time.Time) ([]Connection, error) {
	var out []Connection
	for _, userID := range userIDs {
		conns, err := s.ConnectionsOf(ctx, userID, horizon)
		if err != nil {
			return nil, err
		}
		out = append(out, conns...)
	}
	return out, nil
}

func (s *RedisStore) collectLive(ctx context.Context, connIDs []string, horizon time.Time) ([]Connection, error) {
	var out []Connection
	for _, connID := range connIDs {
		conn, err := s.GetConnection(ctx, connID)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		if conn.Active && conn.OpenedAt.After(horizon) {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *RedisStore) SweepUser(ctx context.Context, userID string, horizon time.Time) (int64, error) {
	connIDs, err := s.rdb.SMembers(ctx, userConnsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep user connections: %w", err)
	}
	var removed int64
	for _, connID := range connIDs {
		conn, err := s.GetConnection(ctx, connID)
		if err != nil {
			if err == ErrNotFound {
				s.rdb.SRem(ctx, userConnsKey(userID), connID)
				continue
			}
			return removed, err
		}
		if !conn.Active || !conn.OpenedAt.After(horizon) {
			ok, err := s.DeleteConnection(ctx, connID)
			if err != nil {
				return removed, err
			}
			if ok {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *RedisStore) SweepInactive(ctx context.Context) (int64, error) {
	return s.sweepAll(ctx, func(conn Connection) bool { return !conn.Active })
}

func (s *RedisStore) SweepStale(ctx context.Context, horizon time.Time) (int64, error) {
	return s.sweepAll(ctx, func(conn Connection) bool { return !conn.OpenedAt.After(horizon) })
}

func (s *RedisStore) sweepAll(ctx context.Context, evict func(Connection) bool) (int64, error) {
	connIDs, err := s.rdb.SMembers(ctx, redisConnsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep connections: %w", err)
	}
	var removed int64
	for _, connID := range connIDs {
		conn, err := s.GetConnection(ctx, connID)
		if err != nil {
			if err == ErrNotFound {
				s.rdb.SRem(ctx, redisConnsKey, connID)
				continue
			}
			return removed, err
		}
		if evict(conn) {
			ok, err := s.DeleteConnection(ctx, connID)
			if err != nil {
				return removed, err
			}
			if ok {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *RedisStore) CountUsers(ctx context.Context, horizon time.Time) (int, error) {
	live, err := s.liveConnections(ctx, horizon)
	if err != nil {
		return 0, err
	}
	users := make(map[string]struct{})
	for _, conn := range live {
		users[conn.UserID] = struct{}{}
	}
	return len(users), nil
}

func (s *RedisStore) CountConnections(ctx context.Context, horizon time.Time) (int, error) {
	live, err := s.liveConnections(ctx, horizon)
	if err != nil {
		return 0, err
	}
	return len(live), nil
}

func (s *RedisStore) Snapshot(ctx context.Context, horizon time.Time) ([]UserSnapshot, error) {
	live, err := s.liveConnections(ctx, horizon)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	byUser := make(map[string][]Connection)
	for _, conn := range live {
		byUser[conn.UserID] = append(byUser[conn.UserID], conn)
	}
	userIDs := make([]string, 0, len(byUser))
	for userID := range byUser {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	out := make([]UserSnapshot, 0, len(userIDs))
	for _, userID := range userIDs {
		user, err := s.GetUser(ctx, userID)
		if err != nil {
			if err == ErrNotFound {
				user = ConnectedUser{UserID: userID}
			} else {
				return nil, err
			}
		}
		out = append(out, UserSnapshot{User: user, TakenAt: now, Connections: byUser[userID]})
	}
	return out, nil
}

func (s *RedisStore) liveConnections(ctx context.Context, horizon time.Time) ([]Connection, error) {
	connIDs, err := s.rdb.SMembers(ctx, redisConnsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return s.collectLive(ctx, connIDs, horizon)
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func connectionFromFields(connID string, fields map[string]string) Connection {
	conn := Connection{
		ConnectionID: connID,
		UserID:       fields["user_id"],
		UserAgent:    fields["user_agent"],
		Active:       fields["active"] == "1",
	}
	if ts, ok := parseRedisTime(fields["opened_at"]); ok {
		conn.OpenedAt = ts
	}
	return conn
}

func parseRedisTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
