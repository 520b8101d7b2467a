package subscribers

import (
	"context"

	"github.com/Salah1221/signalhub/internal/wire"
)

// Subscriber observes connection lifecycle events outside the frame
// transport, e.g. audit logs or webhooks.
type Subscriber interface {
	Name() string
	Handle(context.Context, wire.ConnectionEvent) error
}
