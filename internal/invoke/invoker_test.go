package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Salah1221/signalhub/internal/blob"
	"github.com/Salah1221/signalhub/internal/metrics"
	"github.com/Salah1221/signalhub/internal/pending"
	"github.com/Salah1221/signalhub/internal/wire"
)

type fakeTransport struct {
	mu        sync.Mutex
	sends     []string
	broadcast int
	onSend    func(connID string, frame wire.Frame)
}

func (t *fakeTransport) SendTo(_ context.Context, connID string, frame wire.Frame) error {
	t.mu.Lock()
	t.sends = append(t.sends, connID)
	handler := t.onSend
	t.mu.Unlock()
	if handler != nil {
		handler(connID, frame)
	}
	return nil
}

func (t *fakeTransport) Broadcast(_ context.Context, frame wire.Frame) error {
	t.mu.Lock()
	t.broadcast++
	handler := t.onSend
	t.mu.Unlock()
	if handler != nil {
		handler("", frame)
	}
	return nil
}

type fakeSource struct {
	byUser map[string][]string
	active map[string]bool
}

func (s *fakeSource) ConnectionsOf(_ context.Context, userID string) ([]string, error) {
	return s.byUser[userID], nil
}

func (s *fakeSource) ConnectionsOfUsers(_ context.Context, userIDs []string) ([]string, error) {
	var out []string
	for _, userID := range userIDs {
		out = append(out, s.byUser[userID]...)
	}
	return out, nil
}

func (s *fakeSource) IsConnected(_ context.Context, userID string) (bool, error) {
	return len(s.byUser[userID]) > 0, nil
}

func (s *fakeSource) ActiveConnection(_ context.Context, connID string) (bool, error) {
	return s.active[connID], nil
}

type fixture struct {
	transport *fakeTransport
	source    *fakeSource
	table     *pending.Table
	blobs     blob.Store
	invoker   *Invoker
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := blob.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("new dir store: %v", err)
	}

	f := &fixture{
		transport: &fakeTransport{},
		source: &fakeSource{
			byUser: map[string][]string{"U1": {"C1"}},
			active: map[string]bool{"C1": true},
		},
		table: pending.NewTable(),
		blobs: store,
	}
	f.invoker = New(log.New(io.Discard, "", 0), f.transport, f.source, f.table, f.blobs, opts)
	return f
}

// replyWith completes the pending request embedded in an outbound call
// frame, the way a connected client would.
func replyWith(table *pending.Table, resp wire.Response) func(string, wire.Frame) {
	return func(_ string, frame wire.Frame) {
		go func() {
			if frame.Call == nil {
				return
			}
			table.Complete(frame.Call.RequestID, resp)
		}()
	}
}

func TestInvokeAllInline(t *testing.T) {
	// One permit, so a leaked permit would make the second call fail.
	opts := DefaultOptions()
	opts.MaxConcurrentRequests = 1
	f := newFixture(t, opts)
	resp, err := wire.NewInline(map[string]string{"Message": "Pong"})
	if err != nil {
		t.Fatalf("new inline: %v", err)
	}
	f.transport.onSend = replyWith(f.table, resp)

	type pong struct{ Message string }
	out, err := InvokeAs[pong](context.Background(), f.invoker, All(), "Ping", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Message != "Pong" {
		t.Fatalf("unexpected result: %+v", out)
	}
	if f.transport.broadcast != 1 {
		t.Fatalf("expected 1 broadcast, got %d", f.transport.broadcast)
	}
	if f.table.Len() != 0 {
		t.Fatalf("pending table not empty: %d", f.table.Len())
	}

	// The admission permit was released: the next call proceeds.
	if _, err := InvokeAs[pong](context.Background(), f.invoker, All(), "Ping", nil); err != nil {
		t.Fatalf("second invoke: %v", err)
	}
}

func TestInvokeUserFirstReplyWins(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.source.byUser["U1"] = []string{"C1", "C2"}

	resp, err := wire.NewInline(map[string]int{"K": 1})
	if err != nil {
		t.Fatalf("new inline: %v", err)
	}
	var late atomic.Int32
	f.transport.onSend = func(_ string, frame wire.Frame) {
		if frame.Call == nil {
			return
		}
		// Both connections answer; only one completion may take effect.
		if !f.table.Complete(frame.Call.RequestID, resp) {
			late.Add(1)
		}
	}

	type result struct{ K int }
	out, err := InvokeAs[result](context.Background(), f.invoker, User("U1"), "K", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.K != 1 {
		t.Fatalf("unexpected result: %+v", out)
	}
	if late.Load() != 1 {
		t.Fatalf("expected exactly one late reply, got %d", late.Load())
	}
	if got := len(f.transport.sends); got != 2 {
		t.Fatalf("expected sends to both connections, got %d", got)
	}
}

func TestInvokeTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.RequestTimeout = 80 * time.Millisecond
	f := newFixture(t, opts)
	// Client never replies.

	start := time.Now()
	_, err := f.invoker.Invoke(context.Background(), Connection("C1"), "Slow", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
	if f.table.Len() != 0 {
		t.Fatalf("pending table not empty after timeout: %d", f.table.Len())
	}

	// The next invoke succeeds normally.
	resp := wire.NewNull()
	f.transport.onSend = replyWith(f.table, resp)
	if _, err := f.invoker.Invoke(context.Background(), Connection("C1"), "Ping", nil); err != nil {
		t.Fatalf("invoke after timeout: %v", err)
	}
}

func TestInvokeCallerCancellation(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := f.invoker.Invoke(ctx, Connection("C1"), "Slow", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.table.Len() != 0 {
		t.Fatalf("pending table not empty after cancel: %d", f.table.Len())
	}
}

func TestInvokeOverloaded(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConcurrentRequests = 1
	opts.SemaphoreTimeout = 100 * time.Millisecond
	opts.RequestTimeout = 5 * time.Second
	f := newFixture(t, opts)

	resp := wire.NewNull()
	release := make(chan struct{})
	f.transport.onSend = func(_ string, frame wire.Frame) {
		go func() {
			<-release
			if frame.Call != nil {
				f.table.Complete(frame.Call.RequestID, resp)
			}
		}()
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := f.invoker.Invoke(context.Background(), Connection("C1"), "Hold", nil)
		firstDone <- err
	}()

	// Give the first call time to take the only permit.
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	_, err := f.invoker.Invoke(context.Background(), Connection("C1"), "Ping", nil)
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("overload rejection took too long: %v", elapsed)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first invoke: %v", err)
	}
}

func TestInvokeNoTarget(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	_, err := f.invoker.Invoke(context.Background(), User("nobody"), "Ping", nil)
	if !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
	_, err = f.invoker.Invoke(context.Background(), Users("nobody", "nobody-else"), "Ping", nil)
	if !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget for users, got %v", err)
	}
}

func TestInvokeInactiveConnection(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	_, err := f.invoker.Invoke(context.Background(), Connection("C9"), "Ping", nil)
	if !errors.Is(err, ErrInactiveConnection) {
		t.Fatalf("expected ErrInactiveConnection, got %v", err)
	}
}

func TestInvokeClientError(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.transport.onSend = replyWith(f.table, wire.NewError("executor exploded"))

	type out struct{ K int }
	_, err := InvokeAs[out](context.Background(), f.invoker, Connection("C1"), "Boom", nil)
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("expected ClientError, got %v", err)
	}
	if clientErr.Message != "executor exploded" {
		t.Fatalf("unexpected message: %q", clientErr.Message)
	}
}

func TestDecodeNullResponse(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.transport.onSend = replyWith(f.table, wire.NewNull())

	type out struct{ K int }
	got, err := InvokeAs[*out](context.Background(), f.invoker, Connection("C1"), "Nil", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil result, got %+v", got)
	}
}

func TestDecodeStringEmbeddedJSON(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	// The payload is a JSON string that itself contains the document.
	embedded, err := json.Marshal(`{"Message":"Pong"}`)
	if err != nil {
		t.Fatalf("marshal embedded: %v", err)
	}
	f.transport.onSend = replyWith(f.table, wire.NewInlineRaw(embedded))

	type pong struct{ Message string }
	out, err := InvokeAs[pong](context.Background(), f.invoker, Connection("C1"), "Ping", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Message != "Pong" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestDecodeScalarPayload(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.transport.onSend = replyWith(f.table, wire.NewInlineRaw([]byte("42")))

	out, err := InvokeAs[int](context.Background(), f.invoker, Connection("C1"), "Count", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != 42 {
		t.Fatalf("unexpected result: %d", out)
	}
}

func TestDecodeCaseInsensitiveFields(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.transport.onSend = replyWith(f.table, wire.NewInlineRaw([]byte(`{"mEsSaGe":"Pong"}`)))

	type pong struct{ Message string }
	out, err := InvokeAs[pong](context.Background(), f.invoker, Connection("C1"), "Ping", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Message != "Pong" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestDecodeMismatchFails(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.transport.onSend = replyWith(f.table, wire.NewInlineRaw([]byte(`{"K":"not-a-number"}`)))

	type out struct{ K int }
	_, err := InvokeAs[out](context.Background(), f.invoker, Connection("C1"), "K", nil)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestBlobSpilloverRoundTripAndReadOnceCleanup(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	m := metrics.New(prometheus.NewRegistry())
	f.invoker.SetMetrics(m)

	big := map[string]string{"Payload": string(make([]byte, 2048))}
	encoded, err := json.Marshal(big)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	path, err := f.blobs.Upload(context.Background(), encoded, "Big_1.json", DefaultTempFolder)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	f.transport.onSend = replyWith(f.table, wire.NewBlob(path))

	type out struct{ Payload string }
	got, err := InvokeAs[out](context.Background(), f.invoker, Connection("C1"), "Big", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got.Payload != big["Payload"] {
		t.Fatalf("spillover payload mismatch")
	}

	// Read-once cleanup: the blob is gone.
	if _, err := f.blobs.Read(context.Background(), path); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected blob deleted after decode, got %v", err)
	}

	// A second response pointing at the same path now fails.
	_, err = InvokeAs[out](context.Background(), f.invoker, Connection("C1"), "Big", nil)
	if !errors.Is(err, ErrBlobMissing) {
		t.Fatalf("expected ErrBlobMissing, got %v", err)
	}

	// Both FilePath envelopes count as spillovers.
	if got := testutil.ToFloat64(m.BlobSpillovers); got != 2 {
		t.Fatalf("expected 2 spillovers observed, got %v", got)
	}
}

func TestBlobOutsideTempFolderIsKept(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	encoded := []byte(`{"K":7}`)
	path, err := f.blobs.Upload(context.Background(), encoded, "k.json", "archive")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	f.transport.onSend = replyWith(f.table, wire.NewBlob(path))

	type out struct{ K int }
	got, err := InvokeAs[out](context.Background(), f.invoker, Connection("C1"), "K", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got.K != 7 {
		t.Fatalf("unexpected result: %+v", got)
	}

	if _, err := f.blobs.Read(context.Background(), path); err != nil {
		t.Fatalf("blob outside temp folder should survive, got %v", err)
	}
}

func TestAdmissionBound(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConcurrentRequests = 5
	opts.SemaphoreTimeout = 2 * time.Second
	f := newFixture(t, opts)

	var inFlight, peak atomic.Int32
	resp := wire.NewNull()
	f.transport.onSend = func(_ string, frame wire.Frame) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		go func() {
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			if frame.Call != nil {
				f.table.Complete(frame.Call.RequestID, resp)
			}
		}()
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.invoker.Invoke(context.Background(), Connection("C1"), fmt.Sprintf("M%d", i), nil); err != nil {
				t.Errorf("invoke %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := peak.Load(); got > 5 {
		t.Fatalf("admission bound violated: peak %d", got)
	}
	if f.table.Len() != 0 {
		t.Fatalf("pending table not empty: %d", f.table.Len())
	}
}
