package registry

import "time"

type userRow struct {
	UserID           string `gorm:"primaryKey;size:191"`
	LastConnectAt    *time.Time
	LastDisconnectAt *time.Time
}

func (userRow) TableName() string {
	return "connected_users"
}

func (r userRow) toRecord() ConnectedUser {
	return ConnectedUser{
		UserID:           r.UserID,
		LastConnectAt:    r.LastConnectAt,
		LastDisconnectAt: r.LastDisconnectAt,
	}
}

type connectionRow struct {
	ConnectionID string    `gorm:"primaryKey;size:191"`
	UserID       string    `gorm:"size:191;not null;index"`
	User         userRow   `gorm:"foreignKey:UserID;references:UserID;constraint:OnDelete:CASCADE"`
	UserAgent    string    `gorm:"size:512"`
	Active       bool      `gorm:"not null"`
	OpenedAt     time.Time `gorm:"not null;index"`
}

func (connectionRow) TableName() string {
	return "connections"
}

func (r connectionRow) toRecord() Connection {
	return Connection{
		ConnectionID: r.ConnectionID,
		UserID:       r.UserID,
		UserAgent:    r.UserAgent,
		Active:       r.Active,
		OpenedAt:     r.OpenedAt,
	}
}

func connectionRowFromRecord(rec Connection) connectionRow {
	return connectionRow{
		ConnectionID: rec.ConnectionID,
		UserID:       rec.UserID,
		UserAgent:    rec.UserAgent,
		Active:       rec.Active,
		OpenedAt:     rec.OpenedAt,
	}
}
