// Package invoke implements server-initiated RPC over the hub's
// fire-and-forget frame transport: admission control, target
// resolution, request correlation, and typed response decoding.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Salah1221/signalhub/internal/blob"
	"github.com/Salah1221/signalhub/internal/ids"
	"github.com/Salah1221/signalhub/internal/metrics"
	"github.com/Salah1221/signalhub/internal/pending"
	"github.com/Salah1221/signalhub/internal/wire"
)

const (
	DefaultMaxConcurrentRequests = 10
	DefaultRequestTimeout        = 300 * time.Second
	DefaultSemaphoreTimeout      = 5 * time.Second
	DefaultTempFolder            = "signalr-temp"
)

// Transport is the per-connection send surface the invoker emits frames
// through. Sends to unknown connections fail; the invoker logs and keeps
// going.
type Transport interface {
	SendTo(ctx context.Context, connID string, frame wire.Frame) error
	Broadcast(ctx context.Context, frame wire.Frame) error
}

// ConnectionSource resolves targets against the registry. Per-user
// lookups sweep stale rows before answering.
type ConnectionSource interface {
	ConnectionsOf(ctx context.Context, userID string) ([]string, error)
	ConnectionsOfUsers(ctx context.Context, userIDs []string) ([]string, error)
	IsConnected(ctx context.Context, userID string) (bool, error)
	ActiveConnection(ctx context.Context, connID string) (bool, error)
}

type Options struct {
	MaxConcurrentRequests int
	RequestTimeout        time.Duration
	SemaphoreTimeout      time.Duration
	// TempFolder scopes AutoDeleteTempFiles: only blobs under it are
	// removed after a successful read.
	TempFolder          string
	AutoDeleteTempFiles bool
}

func DefaultOptions() Options {
	return Options{
		MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		RequestTimeout:        DefaultRequestTimeout,
		SemaphoreTimeout:      DefaultSemaphoreTimeout,
		TempFolder:            DefaultTempFolder,
		AutoDeleteTempFiles:   true,
	}
}

type Invoker struct {
	logger    *log.Logger
	transport Transport
	source    ConnectionSource
	pending   *pending.Table
	blobs     blob.Store
	sem       *semaphore.Weighted
	metrics   *metrics.Metrics
	opts      Options
}

func New(logger *log.Logger, transport Transport, source ConnectionSource, table *pending.Table, blobs blob.Store, opts Options) *Invoker {
	if opts.MaxConcurrentRequests <= 0 {
		opts.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.SemaphoreTimeout <= 0 {
		opts.SemaphoreTimeout = DefaultSemaphoreTimeout
	}
	if opts.TempFolder == "" {
		opts.TempFolder = DefaultTempFolder
	}
	return &Invoker{
		logger:    logger,
		transport: transport,
		source:    source,
		pending:   table,
		blobs:     blobs,
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrentRequests)),
		opts:      opts,
	}
}

// SetMetrics wires optional instrumentation.
func (inv *Invoker) SetMetrics(m *metrics.Metrics) {
	inv.metrics = m
}

// Invoke calls method on the target and returns the first reply's
// envelope. Exactly one admission permit is held for the duration; the
// pending slot and the permit are released on every exit path.
func (inv *Invoker) Invoke(ctx context.Context, target Target, method string, param any) (*wire.Response, error) {
	start := time.Now()
	resp, err := inv.invoke(ctx, target, method, param)
	if inv.metrics != nil {
		inv.metrics.ObserveInvoke(method, invokeStatus(err), time.Since(start))
	}
	return resp, err
}

func (inv *Invoker) invoke(ctx context.Context, target Target, method string, param any) (*wire.Response, error) {
	if err := inv.acquire(ctx); err != nil {
		return nil, err
	}
	defer inv.sem.Release(1)
	if inv.metrics != nil {
		inv.metrics.InFlightInvokes.Inc()
		defer inv.metrics.InFlightInvokes.Dec()
	}

	connIDs, broadcast, err := inv.resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	var paramRaw json.RawMessage
	if param != nil {
		encoded, err := json.Marshal(param)
		if err != nil {
			return nil, fmt.Errorf("marshal param: %w", err)
		}
		paramRaw = encoded
	}

	requestID := ids.New()
	slot, err := inv.pending.Register(requestID)
	if err != nil {
		return nil, err
	}
	defer inv.pending.Remove(requestID)

	frame := wire.NewCallFrame(requestID, method, paramRaw)
	if broadcast {
		if err := inv.transport.Broadcast(ctx, frame); err != nil {
			inv.logger.Printf("broadcast send failed request_id=%s method=%s err=%v", requestID, method, err)
		}
	} else {
		for _, connID := range connIDs {
			if err := inv.transport.SendTo(ctx, connID, frame); err != nil {
				inv.logger.Printf("send failed request_id=%s method=%s connection_id=%s err=%v", requestID, method, connID, err)
			}
		}
	}

	timer := time.NewTimer(inv.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-slot.Done():
		return &resp, nil
	case <-timer.C:
		inv.logger.Printf("request timed out request_id=%s method=%s target=%s", requestID, method, target)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (inv *Invoker) acquire(ctx context.Context) error {
	acquireCtx, cancel := context.WithTimeout(ctx, inv.opts.SemaphoreTimeout)
	defer cancel()
	if err := inv.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrOverloaded
	}
	return nil
}

func invokeStatus(err error) string {
	if err == nil {
		return "ok"
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrNoTarget), errors.Is(err, ErrInactiveConnection):
		return "no_target"
	default:
		return "error"
	}
}
