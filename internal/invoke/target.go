package invoke

import "fmt"

type targetKind int

const (
	targetAll targetKind = iota
	targetUser
	targetUsers
	targetConnection
	targetConnections
)

// Target selects which connections a call is delivered to: everyone, all
// of one user's connections, several users, one connection id, or an
// explicit id set.
type Target struct {
	kind    targetKind
	userIDs []string
	connIDs []string
}

func All() Target {
	return Target{kind: targetAll}
}

func User(userID string) Target {
	return Target{kind: targetUser, userIDs: []string{userID}}
}

func Users(userIDs ...string) Target {
	return Target{kind: targetUsers, userIDs: userIDs}
}

func Connection(connID string) Target {
	return Target{kind: targetConnection, connIDs: []string{connID}}
}

func Connections(connIDs ...string) Target {
	return Target{kind: targetConnections, connIDs: connIDs}
}

func (t Target) String() string {
	switch t.kind {
	case targetAll:
		return "all"
	case targetUser:
		return fmt.Sprintf("user(%s)", t.userIDs[0])
	case targetUsers:
		return fmt.Sprintf("users(%d)", len(t.userIDs))
	case targetConnection:
		return fmt.Sprintf("connection(%s)", t.connIDs[0])
	case targetConnections:
		return fmt.Sprintf("connections(%d)", len(t.connIDs))
	}
	return "unknown"
}
