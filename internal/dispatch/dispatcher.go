package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/Salah1221/signalhub/internal/subscribers"
	"github.com/Salah1221/signalhub/internal/wire"
)

// Dispatcher fans connection events out to side-channel subscribers,
// each on its own goroutine with bounded retries. Subscriber failures
// never affect the frame transport.
type Dispatcher struct {
	logger       *log.Logger
	subscribers  []subscribers.Subscriber
	retryCount   int
	retryBackoff time.Duration
}

func New(logger *log.Logger, subs []subscribers.Subscriber) *Dispatcher {
	return &Dispatcher{
		logger:       logger,
		subscribers:  subs,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event wire.ConnectionEvent) {
	for _, sub := range d.subscribers {
		s := sub
		go d.dispatchOne(ctx, s, event)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub subscribers.Subscriber, event wire.ConnectionEvent) {
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := sub.Handle(ctx, event)
		if err == nil {
			return
		}

		d.logger.Printf("subscriber=%s connection_id=%s attempt=%d err=%v", sub.Name(), event.ConnectionID, attempt, err)
		if attempt == d.retryCount {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}
