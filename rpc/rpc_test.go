package rpc

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanedb/lane/engine"
	"github.com/lanedb/lane/metrics"
	"github.com/lanedb/lane/wire"
)

// fixture runs a Server over a real engine and socket, and a Client
// against it. |setup| installs test hooks before the Server starts.
type fixture struct {
	srv    *Server
	client *Client
	cancel context.CancelFunc
	served chan error
}

func newFixture(t *testing.T, mutate func(*ServerConfig), setup func(*Server)) *fixture {
	var dir = t.TempDir()

	var e, err = engine.Open(filepath.Join(dir, "lane.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	var cfg = ServerConfig{
		SocketPath:     filepath.Join(dir, "lane.sock"),
		Workers:        4,
		DefaultTimeout: 10 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg, e)
	require.NoError(t, err)
	if setup != nil {
		setup(srv)
	}

	var ctx, cancel = context.WithCancel(context.Background())
	var served = make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	awaitSocket(t, cfg.SocketPath)

	client, err := NewClient(ClientConfig{SocketPath: cfg.SocketPath})
	require.NoError(t, err)

	var f = &fixture{srv: srv, client: client, cancel: cancel, served: served}
	t.Cleanup(f.stop)
	return f
}

func (f *fixture) stop() {
	_ = f.client.Close()
	f.cancel()
	<-f.served
}

func awaitSocket(t *testing.T, path string) {
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
		if conn, err := net.Dial("unix", path); err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server socket %s never came up", path)
}

// stallGate returns a handler which blocks until released, and the release
// function. Release is registered as a cleanup so a failing test cannot
// wedge the worker pool during shutdown.
func stallGate(t *testing.T) (handler, func()) {
	var gate = make(chan struct{})
	var once sync.Once
	var release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)

	return func(_ context.Context, req *wire.Request) *wire.Result {
		<-gate
		return wire.NewSuccess(req.ID, nil)
	}, release
}

var docCols = []engine.ColumnDef{
	{Name: "id", Type: "INTEGER", PrimaryKey: true},
	{Name: "k", Type: "TEXT"},
	{Name: "n", Type: "INTEGER"},
}

func TestEndToEndInsertThenSelect(t *testing.T) {
	var f = newFixture(t, nil, nil)
	var ctx = context.Background()

	require.NoError(t, f.client.CreateTable(ctx, "docs", docCols))

	var rowid, err = f.client.Insert(ctx, nil, "docs", map[string]wire.Value{
		"k": wire.StringValue("v"),
		"n": wire.IntValue(7),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rowid)

	rows, err := f.client.Select(ctx, "docs", SelectOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, wire.StringValue("v").Equal(rows[0]["k"]))
	assert.True(t, wire.IntValue(7).Equal(rows[0]["n"]))
}

func TestUrgentRequestJumpsQueuedBacklog(t *testing.T) {
	var stall, release = stallGate(t)
	var mu sync.Mutex
	var order []string

	var f = newFixture(t,
		func(cfg *ServerConfig) { cfg.Workers = 1 },
		func(s *Server) {
			s.override = map[string]handler{"stall": stall}
			s.onDispatch = func(req *wire.Request) {
				mu.Lock()
				order = append(order, req.Method+"/"+req.Priority.String())
				mu.Unlock()
			}
		})
	var ctx = context.Background()
	require.NoError(t, f.client.CreateTable(ctx, "docs", docCols))

	var dispatched = func(n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == n
		}
	}

	// Occupy the single worker.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var res, err = f.client.Call(ctx, "stall", nil, wire.Normal, 10*time.Second)
		assert.NoError(t, err)
		assert.NoError(t, res.Err())
	}()
	require.Eventually(t, dispatched(2), 5*time.Second, 5*time.Millisecond)

	// Queue a backlog of NORMAL selects behind the stalled worker.
	const backlog = 100
	for i := 0; i != backlog; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var _, err = f.client.Select(ctx, "docs", SelectOptions{Priority: wire.Normal})
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool {
		return f.srv.queue.Stats().Size >= backlog-1
	}, 5*time.Second, 5*time.Millisecond)

	// An URGENT insert submitted last must dispatch ahead of the backlog.
	wg.Add(1)
	go func() {
		defer wg.Done()
		var res, err = f.client.Call(ctx, "insert", map[string]wire.Value{
			"table": wire.StringValue("docs"),
			"data":  wire.MapValue(map[string]wire.Value{"k": wire.StringValue("urgent")}),
		}, wire.Urgent, 10*time.Second)
		assert.NoError(t, err)
		assert.NoError(t, res.Err())
	}()
	require.Eventually(t, func() bool {
		return f.srv.queue.Stats().PerPriority[wire.Urgent] == 1
	}, 5*time.Second, 5*time.Millisecond)

	release()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, backlog+3) // create_table, stall, backlog, urgent.

	// The dispatch loop may hold at most one NORMAL pulled before the urgent
	// request arrived; every later dispatch honors priority order.
	var urgentAt = -1
	for i, m := range order {
		if m == "insert/URGENT" {
			urgentAt = i
			break
		}
	}
	require.NotEqual(t, -1, urgentAt)
	assert.LessOrEqual(t, urgentAt, 3, "urgent dispatched at %d of %v", urgentAt, order[:4])
}

func TestTimeoutDeliversExactlyOnceAndDropsLateResult(t *testing.T) {
	var stall, release = stallGate(t)
	var f = newFixture(t,
		func(cfg *ServerConfig) { cfg.Workers = 1 },
		func(s *Server) { s.override = map[string]handler{"slow": stall} })

	var ctx = context.Background()
	var dropped = testutil.ToFloat64(metrics.DroppedResultsTotal)

	var res, err = f.client.Call(ctx, "slow", nil, wire.Normal, 50*time.Millisecond)
	require.NoError(t, err)
	require.Error(t, res.Err())
	assert.Equal(t, wire.CodeTimeout, wire.CodeOf(res.Err()))

	// Release the worker; its late result must be dropped, not delivered.
	release()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.DroppedResultsTotal) == dropped+1
	}, 5*time.Second, 5*time.Millisecond)

	// The connection remains usable and correlated.
	assert.NoError(t, f.client.Ping(ctx))
}

func TestQueueFullFailsFast(t *testing.T) {
	var stall, release = stallGate(t)
	var f = newFixture(t,
		func(cfg *ServerConfig) {
			cfg.Workers = 1
			cfg.QueueSize = 2
		},
		func(s *Server) { s.override = map[string]handler{"stall": stall} })

	var ctx = context.Background()
	var wg sync.WaitGroup
	var call = func() {
		defer wg.Done()
		var res, err = f.client.Call(ctx, "stall", nil, wire.Normal, 10*time.Second)
		assert.NoError(t, err)
		assert.NoError(t, res.Err())
	}

	// One request occupies the worker and one is held by the dispatch loop;
	// two more fill the queue.
	for i := 0; i != 2; i++ {
		wg.Add(1)
		go call()
		var want = i + 1
		require.Eventually(t, func() bool {
			return f.srv.registry.size() == want && f.srv.queue.Stats().Size == 0
		}, 5*time.Second, 5*time.Millisecond)
	}
	for i := 0; i != 2; i++ {
		wg.Add(1)
		go call()
	}
	require.Eventually(t, func() bool {
		return f.srv.queue.Stats().Size == 2
	}, 5*time.Second, 5*time.Millisecond)

	// The next request is rejected immediately rather than waiting out its
	// timeout.
	var began = time.Now()
	var res, err = f.client.Call(ctx, "stall", nil, wire.Normal, 10*time.Second)
	require.NoError(t, err)
	require.Error(t, res.Err())
	assert.Equal(t, wire.CodeQueueFull, wire.CodeOf(res.Err()))
	assert.Less(t, time.Since(began), 2*time.Second)

	release()
	wg.Wait()
}

func TestTransactionRoundTrip(t *testing.T) {
	var f = newFixture(t, nil, nil)
	var ctx = context.Background()

	require.NoError(t, f.client.CreateTable(ctx, "docs", docCols))

	// Rolled-back inserts leave no trace.
	var txn, err = f.client.Begin(ctx)
	require.NoError(t, err)
	_, err = f.client.Insert(ctx, &txn, "docs", map[string]wire.Value{"k": wire.StringValue("a")})
	require.NoError(t, err)
	require.NoError(t, f.client.Rollback(ctx, txn))

	rows, err := f.client.Select(ctx, "docs", SelectOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Committed inserts persist.
	txn, err = f.client.Begin(ctx)
	require.NoError(t, err)
	_, err = f.client.Insert(ctx, &txn, "docs", map[string]wire.Value{"k": wire.StringValue("b")})
	require.NoError(t, err)
	require.NoError(t, f.client.Commit(ctx, txn))

	rows, err = f.client.Select(ctx, "docs", SelectOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// A finished transaction id is rejected.
	err = f.client.Commit(ctx, txn)
	require.Error(t, err)
	assert.Equal(t, wire.CodeTxnNotFound, wire.CodeOf(err))
}

func TestUnknownMethodIsRejected(t *testing.T) {
	var f = newFixture(t, nil, nil)

	var res, err = f.client.Call(context.Background(), "frobnicate", nil, wire.Normal, 0)
	require.NoError(t, err)
	require.Error(t, res.Err())
	assert.Equal(t, wire.CodeUnknownMethod, wire.CodeOf(res.Err()))
}

func TestMalformedParamsAreValidationErrors(t *testing.T) {
	var f = newFixture(t, nil, nil)
	var ctx = context.Background()

	var cases = []struct {
		method string
		params map[string]wire.Value
	}{
		{"insert", nil},                                                   // Missing table.
		{"insert", map[string]wire.Value{"table": wire.StringValue("t")}}, // Missing data.
		{"commit_transaction", map[string]wire.Value{"txn": wire.StringValue("not-a-uuid")}},
		{"create_table", map[string]wire.Value{
			"table":   wire.StringValue("t"),
			"columns": wire.ListValue(wire.IntValue(3)),
		}},
	}
	for _, tc := range cases {
		var res, err = f.client.Call(ctx, tc.method, tc.params, wire.Normal, 0)
		require.NoError(t, err, tc.method)
		require.Error(t, res.Err(), tc.method)
		assert.Equal(t, wire.CodeValidation, wire.CodeOf(res.Err()), tc.method)
	}
}

func TestProtocolErrorTearsDownConnection(t *testing.T) {
	var f = newFixture(t, nil, nil)

	var conn, err = net.Dial("unix", f.srv.cfg.SocketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("this is not a frame, not even close"))
	require.NoError(t, err)

	// The server closes the connection rather than answering garbage.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var b [64]byte
	_, err = conn.Read(b[:])
	assert.Error(t, err)

	// The engine is unharmed for well-formed clients.
	assert.NoError(t, f.client.Ping(context.Background()))
}

func TestQueuedRequestsExpireBeforeDispatch(t *testing.T) {
	var stall, release = stallGate(t)
	var f = newFixture(t,
		func(cfg *ServerConfig) {
			cfg.Workers = 1
			cfg.ExpireInterval = 10 * time.Millisecond
		},
		func(s *Server) { s.override = map[string]handler{"stall": stall} })

	var expired = testutil.ToFloat64(metrics.QueueExpiredTotal)

	// Occupy the worker and the dispatch loop's in-hand slot.
	var wg sync.WaitGroup
	for i := 0; i != 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var res, err = f.client.Call(context.Background(), "stall", nil, wire.High, 10*time.Second)
			assert.NoError(t, err)
			assert.NoError(t, res.Err())
		}()
		var want = i + 1
		require.Eventually(t, func() bool {
			return f.srv.registry.size() == want && f.srv.queue.Stats().Size == 0
		}, 5*time.Second, 5*time.Millisecond)
	}

	// A queued request with a short deadline is failed by the sweep, not
	// left to rot behind the stalled worker.
	var req = wire.NewRequest("ping", nil, wire.Low, 30*time.Millisecond)
	var p, err = f.srv.registry.register(req.ID)
	require.NoError(t, err)
	require.NoError(t, f.srv.queue.Enqueue(req))

	res, ok := p.wait(5 * time.Second)
	require.True(t, ok)
	require.Error(t, res.Err())
	assert.Equal(t, wire.CodeTimeout, wire.CodeOf(res.Err()))
	assert.Equal(t, expired+1, testutil.ToFloat64(metrics.QueueExpiredTotal))

	release()
	wg.Wait()
}

func TestStatsReflectsQueueState(t *testing.T) {
	var f = newFixture(t, nil, nil)

	var out, err = f.client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), out["queue_size"].Int)
	assert.Equal(t, int64(4), out["workers"].Int)
}
