package registry

import "time"

// ConnectedUser is the durable parent record for a principal that has
// held at least one connection. Users are created lazily on first open
// and never deleted by this subsystem.
type ConnectedUser struct {
	UserID           string     `json:"user_id"`
	LastConnectAt    *time.Time `json:"last_connect_at,omitempty"`
	LastDisconnectAt *time.Time `json:"last_disconnect_at,omitempty"`
}

// Connection is one live duplex channel held by a user. Honest shutdown
// deletes the row; Active=false rows only survive a crash and are
// removed by the sweeps.
type Connection struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Active       bool      `json:"active"`
	OpenedAt     time.Time `json:"opened_at"`
}

// UserProfile is the display record returned by an external identity
// probe. The registry never stores it.
type UserProfile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// UserSnapshot is one entry of the registry snapshot: the user record
// plus its live connections at the time of the call.
type UserSnapshot struct {
	User        ConnectedUser `json:"user"`
	Profile     *UserProfile  `json:"profile,omitempty"`
	TakenAt     time.Time     `json:"taken_at"`
	Connections []Connection  `json:"connections"`
}
