package invoke

import (
	"context"
	"fmt"
	"strings"
)

// resolve maps a target onto the concrete connection set. All returns
// broadcast=true and no explicit list. Per-user targets sweep stale rows
// first (inside ConnectionSource) and refuse empty sets.
func (inv *Invoker) resolve(ctx context.Context, target Target) ([]string, bool, error) {
	switch target.kind {
	case targetAll:
		return nil, true, nil

	case targetUser:
		userID := strings.TrimSpace(target.userIDs[0])
		if userID == "" {
			return nil, false, fmt.Errorf("user id is required: %w", ErrNoTarget)
		}
		connIDs, err := inv.source.ConnectionsOf(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		if len(connIDs) == 0 {
			return nil, false, fmt.Errorf("user %s: %w", userID, ErrNoTarget)
		}
		return connIDs, false, nil

	case targetUsers:
		connIDs, err := inv.source.ConnectionsOfUsers(ctx, target.userIDs)
		if err != nil {
			return nil, false, err
		}
		if len(connIDs) == 0 {
			return nil, false, ErrNoTarget
		}
		return connIDs, false, nil

	case targetConnection:
		connID := strings.TrimSpace(target.connIDs[0])
		if connID == "" {
			return nil, false, fmt.Errorf("connection id is required: %w", ErrNoTarget)
		}
		active, err := inv.source.ActiveConnection(ctx, connID)
		if err != nil {
			return nil, false, err
		}
		if !active {
			return nil, false, fmt.Errorf("connection %s: %w", connID, ErrInactiveConnection)
		}
		return []string{connID}, false, nil

	case targetConnections:
		if len(target.connIDs) == 0 {
			return nil, false, ErrNoTarget
		}
		return target.connIDs, false, nil
	}
	return nil, false, fmt.Errorf("unknown target kind")
}
