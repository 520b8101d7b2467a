package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "github.com/Salah1221/signalhub/internal/db"
)

// GormStore persists the registry in a relational database (sqlite or
// postgres), one table per record type with a cascading FK from
// connections to their user.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&userRow{}, &connectionRow{})
}

func (s *GormStore) UpsertUser(ctx context.Context, userID string, connectAt time.Time) error {
	row := userRow{UserID: userID, LastConnectAt: &connectAt}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{"last_connect_at": connectAt}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *GormStore) TouchDisconnect(ctx context.Context, userID string, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&userRow{}).
		Where("user_id = ?", userID).
		Update("last_disconnect_at", at).Error
	if err != nil {
		return fmt.Errorf("touch disconnect: %w", err)
	}
	return nil
}

func (s *GormStore) GetUser(ctx context.Context, userID string) (ConnectedUser, error) {
	var row userRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ConnectedUser{}, ErrNotFound
		}
		return ConnectedUser{}, fmt.Errorf("get user: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) InsertConnection(ctx context.Context, conn Connection) error {
	row := connectionRowFromRecord(conn)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

func (s *GormStore) DeleteConnection(ctx context.Context, connID string) (bool, error) {
	res := s.db.WithContext(ctx).Where("connection_id = ?", connID).Delete(&connectionRow{})
	if res.Error != nil {
		return false, fmt.Errorf("delete connection: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) GetConnection(ctx context.Context, connID string) (Connection, error) {
	var row connectionRow
	err := s.db.WithContext(ctx).Where("connection_id = ?", connID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ConnectionsOf(ctx context.Context, userID string, horizon time.Time) ([]Connection, error) {
	var rows []connectionRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND active = ? AND opened_at > ?", userID, true, horizon).
		Order("opened_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("connections of user: %w", err)
	}
	return rowsToRecords(rows), nil
}

func (s *GormStore) ConnectionsOfUsers(ctx context.Context, userIDs []string, horizon time.Time) ([]Connection, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var rows []connectionRow
	err := s.db.WithContext(ctx).
		Where("user_id IN ? AND active = ? AND opened_at > ?", userIDs, true, horizon).
		Order("opened_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("connections of users: %w", err)
	}
	return rowsToRecords(rows), nil
}

func (s *GormStore) SweepUser(ctx context.Context, userID string, horizon time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND (active = ? OR opened_at <= ?)", userID, false, horizon).
		Delete(&connectionRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep user connections: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) SweepInactive(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("active = ?", false).Delete(&connectionRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep inactive connections: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) SweepStale(ctx context.Context, horizon time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("opened_at <= ?", horizon).Delete(&connectionRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep stale connections: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) CountUsers(ctx context.Context, horizon time.Time) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&connectionRow{}).
		Where("active = ? AND opened_at > ?", true, horizon).
		Distinct("user_id").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return int(count), nil
}

func (s *GormStore) CountConnections(ctx context.Context, horizon time.Time) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&connectionRow{}).
		Where("active = ? AND opened_at > ?", true, horizon).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count connections: %w", err)
	}
	return int(count), nil
}

func (s *GormStore) Snapshot(ctx context.Context, horizon time.Time) ([]UserSnapshot, error) {
	var rows []connectionRow
	err := s.db.WithContext(ctx).
		Where("active = ? AND opened_at > ?", true, horizon).
		Order("user_id ASC, opened_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("snapshot connections: %w", err)
	}

	now := time.Now().UTC()
	byUser := make(map[string][]Connection)
	order := make([]string, 0)
	for _, row := range rows {
		if _, seen := byUser[row.UserID]; !seen {
			order = append(order, row.UserID)
		}
		byUser[row.UserID] = append(byUser[row.UserID], row.toRecord())
	}

	out := make([]UserSnapshot, 0, len(order))
	for _, userID := range order {
		user, err := s.GetUser(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				user = ConnectedUser{UserID: userID}
			} else {
				return nil, err
			}
		}
		out = append(out, UserSnapshot{User: user, TakenAt: now, Connections: byUser[userID]})
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func rowsToRecords(rows []connectionRow) []Connection {
	out := make([]Connection, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out
}
