package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Salah1221/signalhub/client"
	"github.com/Salah1221/signalhub/internal/blob"
	"github.com/Salah1221/signalhub/internal/invoke"
	"github.com/Salah1221/signalhub/internal/pending"
	"github.com/Salah1221/signalhub/internal/registry"
	"github.com/Salah1221/signalhub/internal/wire"
)

type env struct {
	hub     *Hub
	reg     *registry.Registry
	table   *pending.Table
	blobs   blob.Store
	invoker *invoke.Invoker
	wsURL   string
}

func newEnv(t *testing.T, invokeOpts invoke.Options) *env {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	store := registry.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	reg := registry.New(logger, store, registry.DefaultOptions())

	table := pending.NewTable()
	h := New(logger, reg, table, HeaderAuthenticator{}, Options{TrackUserAgent: true})

	blobs, err := blob.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("new dir store: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	inv := invoke.New(logger, h, reg, table, blobs, invokeOpts)
	return &env{
		hub:     h,
		reg:     reg,
		table:   table,
		blobs:   blobs,
		invoker: inv,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (e *env) connect(t *testing.T, userID string, configure func(*client.Client)) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		URL:               e.wsURL,
		UserID:            userID,
		UserAgent:         "e2e-test",
		Blobs:             e.blobs,
		MaxDirectDataSize: 64,
		Logger:            log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if configure != nil {
		configure(c)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	waitFor(t, func() bool {
		connected, err := e.reg.IsConnected(context.Background(), userID)
		return err == nil && connected
	})
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func TestEndToEndPingInline(t *testing.T) {
	e := newEnv(t, invoke.DefaultOptions())
	e.connect(t, "U1", func(c *client.Client) {
		c.Handle("Ping", func(_ context.Context, _ json.RawMessage) (any, error) {
			return map[string]string{"Message": "Pong"}, nil
		})
	})

	type pong struct{ Message string }
	out, err := invoke.InvokeAs[pong](context.Background(), e.invoker, invoke.All(), "Ping", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Message != "Pong" {
		t.Fatalf("unexpected result: %+v", out)
	}
	if e.table.Len() != 0 {
		t.Fatalf("pending table not empty: %d", e.table.Len())
	}
}

func TestEndToEndUserTargetWithParam(t *testing.T) {
	e := newEnv(t, invoke.DefaultOptions())
	e.connect(t, "U1", func(c *client.Client) {
		c.Handle("Echo", func(_ context.Context, param json.RawMessage) (any, error) {
			var in struct{ Value int }
			if err := json.Unmarshal(param, &in); err != nil {
				return nil, err
			}
			return map[string]int{"Value": in.Value * 2}, nil
		})
	})

	type doubled struct{ Value int }
	out, err := invoke.InvokeAs[doubled](context.Background(), e.invoker, invoke.User("U1"), "Echo", map[string]int{"Value": 21})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Value != 42 {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestEndToEndBlobSpillover(t *testing.T) {
	e := newEnv(t, invoke.DefaultOptions())
	large := strings.Repeat("x", 2048)
	e.connect(t, "U1", func(c *client.Client) {
		c.Handle("Big", func(_ context.Context, _ json.RawMessage) (any, error) {
			return map[string]string{"Payload": large}, nil
		})
	})

	conns, err := e.reg.ConnectionsOf(context.Background(), "U1")
	if err != nil || len(conns) != 1 {
		t.Fatalf("connections of: %v %v", conns, err)
	}

	// Capture the raw envelope first to observe the spillover.
	resp, err := e.invoker.Invoke(context.Background(), invoke.Connection(conns[0]), "Big", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Kind() != wire.ResponseFilePath {
		t.Fatalf("expected FilePath envelope, got %q", resp.ResponseType)
	}
	if !strings.HasPrefix(resp.FilePath, client.DefaultTempFolder+"/") {
		t.Fatalf("unexpected blob path: %q", resp.FilePath)
	}

	type big struct{ Payload string }
	out, err := invoke.As[big](context.Background(), e.invoker, resp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Payload != large {
		t.Fatalf("payload mismatch")
	}

	// Read-once cleanup already removed the blob.
	if _, err := e.blobs.Read(context.Background(), resp.FilePath); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected blob removed, got %v", err)
	}
}

func TestEndToEndClientError(t *testing.T) {
	e := newEnv(t, invoke.DefaultOptions())
	e.connect(t, "U1", func(c *client.Client) {
		c.Handle("Boom", func(_ context.Context, _ json.RawMessage) (any, error) {
			return nil, errors.New("executor exploded")
		})
	})

	resp, err := e.invoker.Invoke(context.Background(), invoke.User("U1"), "Boom", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Kind() != wire.ResponseError || resp.ErrorMessage != "executor exploded" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
}

func TestEndToEndUnknownMethodYieldsError(t *testing.T) {
	e := newEnv(t, invoke.DefaultOptions())
	e.connect(t, "U1", nil)

	resp, err := e.invoker.Invoke(context.Background(), invoke.User("U1"), "Nope", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Kind() != wire.ResponseError {
		t.Fatalf("expected error envelope, got %+v", resp)
	}
}

func TestEndToEndTimeoutWhenHandlerStalls(t *testing.T) {
	opts := invoke.DefaultOptions()
	opts.RequestTimeout = 200 * time.Millisecond
	e := newEnv(t, opts)
	e.connect(t, "U1", func(c *client.Client) {
		c.Handle("Slow", func(_ context.Context, _ json.RawMessage) (any, error) {
			time.Sleep(2 * time.Second)
			return nil, nil
		})
	})

	_, err := e.invoker.Invoke(context.Background(), invoke.User("U1"), "Slow", nil)
	if !errors.Is(err, invoke.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if e.table.Len() != 0 {
		t.Fatalf("pending table not empty: %d", e.table.Len())
	}

	// A later reply for the dead request is dropped, and the hub stays
	// usable.
	e.connect(t, "U2", func(c *client.Client) {
		c.Handle("Ping", func(_ context.Context, _ json.RawMessage) (any, error) {
			return map[string]string{"Message": "Pong"}, nil
		})
	})
	type pong struct{ Message string }
	out, err := invoke.InvokeAs[pong](context.Background(), e.invoker, invoke.User("U2"), "Ping", nil)
	if err != nil {
		t.Fatalf("invoke after timeout: %v", err)
	}
	if out.Message != "Pong" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestEndToEndConnectionEvents(t *testing.T) {
	e := newEnv(t, invoke.DefaultOptions())

	observed := make(chan wire.ConnectionEvent, 8)
	observer, err := client.New(client.Config{
		URL:    e.wsURL,
		UserID: "U1",
		Logger: log.New(io.Discard, "", 0),
		OnEvent: func(event wire.ConnectionEvent) {
			observed <- event
		},
	})
	if err != nil {
		t.Fatalf("new observer client: %v", err)
	}
	if err := observer.Connect(context.Background()); err != nil {
		t.Fatalf("connect observer: %v", err)
	}
	t.Cleanup(func() { _ = observer.Close() })

	// The observer sees its own opened event first.
	select {
	case event := <-observed:
		if event.Kind != wire.EventOpened || event.UserID != "U1" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("observer's own opened event never arrived")
	}

	// A peer joining after the observer produces an opened event.
	joiner := e.connect(t, "U2", nil)
	select {
	case event := <-observed:
		if event.Kind != wire.EventOpened || event.UserID != "U2" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no opened event observed")
	}

	_ = joiner.Close()
	select {
	case event := <-observed:
		if event.Kind != wire.EventClosed || event.UserID != "U2" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no closed event observed")
	}
}
