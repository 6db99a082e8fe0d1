package rpc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/lanedb/lane/engine"
	"github.com/lanedb/lane/wire"
)

// ClientConfig parameterizes a Client.
type ClientConfig struct {
	// SocketPath is the server's unix socket.
	SocketPath string
	// PoolSize bounds idle pooled connections.
	PoolSize int
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
	// IdleThreshold is the age past which a pooled connection is
	// health-checked before reuse.
	IdleThreshold time.Duration
	// MaxAttempts bounds dial and transport retries of a single call.
	MaxAttempts int
	// DefaultTimeout applies to calls which carry none.
	DefaultTimeout time.Duration
}

// Validate returns an error if the ClientConfig is malformed, and fills
// defaulted fields.
func (c *ClientConfig) Validate() error {
	if c.SocketPath == "" {
		return errors.New("SocketPath is required")
	}
	if c.PoolSize == 0 {
		c.PoolSize = 4
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.IdleThreshold == 0 {
		c.IdleThreshold = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	return nil
}

// clientConn is a pooled connection. A conn is checked out exclusively for
// the duration of one call, so at most one request is in flight on it.
type clientConn struct {
	net.Conn
	br       *bufio.Reader
	lastUsed time.Time
}

// Client issues driver requests over pooled unix socket connections.
// Transport failures (dial errors, broken or desynced connections) are
// retried with exponential backoff up to MaxAttempts; typed error results
// returned by the server are never retried.
type Client struct {
	cfg  ClientConfig
	pool chan *clientConn
}

// NewClient returns a Client of |cfg|. No connection is made until the
// first call.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, pool: make(chan *clientConn, cfg.PoolSize)}, nil
}

// Close closes all pooled connections.
func (c *Client) Close() error {
	for {
		select {
		case cc := <-c.pool:
			_ = cc.Close()
		default:
			return nil
		}
	}
}

// Call issues |method| with |params| and blocks for its result. A timeout
// of zero applies the configured default. An error is returned only for
// transport-level failures which persisted through retries; server-side
// failures are returned as the Result's typed error.
func (c *Client) Call(ctx context.Context, method string, params map[string]wire.Value,
	priority wire.Priority, timeout time.Duration) (*wire.Result, error) {

	if timeout == 0 {
		timeout = c.cfg.DefaultTimeout
	}
	var bo = &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Jitter: true}

	var lastErr error
	for attempt := 0; attempt != c.cfg.MaxAttempts; attempt++ {
		if attempt != 0 {
			select {
			case <-time.After(bo.Duration()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// Each attempt is a distinct request: a prior attempt may still be
		// registered server-side until its timeout lapses.
		var req = wire.NewRequest(method, params, priority, timeout)

		var cc, err = c.acquire(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		var res *wire.Result
		if res, err = c.roundTrip(cc, req); err != nil {
			_ = cc.Close() // A failed conn may hold stray frames.
			lastErr = err
			log.WithFields(log.Fields{
				"method":  method,
				"attempt": attempt + 1,
				"err":     err,
			}).Debug("retrying call on transport error")
			continue
		}
		c.release(cc)
		return res, nil
	}
	return nil, wire.NewCodedError(wire.CodeConnection,
		"call %q failed after %d attempts: %s", method, c.cfg.MaxAttempts, lastErr)
}

// acquire returns a pooled connection, health-checking stale ones, or
// dials a fresh one.
func (c *Client) acquire(ctx context.Context) (*clientConn, error) {
	for {
		select {
		case cc := <-c.pool:
			if time.Since(cc.lastUsed) < c.cfg.IdleThreshold {
				return cc, nil
			}
			if err := c.healthCheck(cc); err == nil {
				return cc, nil
			}
			_ = cc.Close()
			// Fall through to examine the next pooled conn, or dial.
		default:
			return c.dial(ctx)
		}
	}
}

func (c *Client) dial(ctx context.Context) (*clientConn, error) {
	var d = net.Dialer{Timeout: c.cfg.DialTimeout}
	var conn, err = d.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		return nil, errors.Wrap(err, "dialing")
	}
	return &clientConn{Conn: conn, br: bufio.NewReader(conn)}, nil
}

func (c *Client) release(cc *clientConn) {
	cc.lastUsed = time.Now()
	select {
	case c.pool <- cc:
	default:
		_ = cc.Close() // Pool is full.
	}
}

// healthCheck issues a short ping over |cc|.
func (c *Client) healthCheck(cc *clientConn) error {
	var res, err = c.roundTrip(cc, wire.NewRequest("ping", nil, wire.Urgent, 2*time.Second))
	if err != nil {
		return err
	}
	return res.Err()
}

// roundTrip writes |req| and blocks for its correlated result.
func (c *Client) roundTrip(cc *clientConn, req *wire.Request) (*wire.Result, error) {
	// The server answers within the request timeout; pad for transit.
	var deadline = time.Now().Add(req.Timeout + 5*time.Second)
	if err := cc.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "setting deadline")
	}

	if _, err := cc.Write(wire.AppendRequest(nil, req)); err != nil {
		return nil, errors.Wrap(err, "writing request")
	}
	for {
		var payload, err = wire.UnpackFrame(cc.br)
		if err != nil {
			return nil, errors.Wrap(err, "reading result")
		}
		var res *wire.Result
		if res, err = wire.DecodeResult(payload); err != nil {
			return nil, errors.Wrap(err, "decoding result")
		}
		if res.ID == req.ID {
			return res, nil
		}
		// A stray frame of an earlier, abandoned request on this conn.
		log.WithField("id", res.ID).Debug("discarding uncorrelated result frame")
	}
}

// rowsOf returns the Result's rows, or its typed error.
func rowsOf(res *wire.Result, err error) ([]map[string]wire.Value, error) {
	if err != nil {
		return nil, err
	} else if err = res.Err(); err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// dataOf returns the Result's data payload, or its typed error.
func dataOf(res *wire.Result, err error) (map[string]wire.Value, error) {
	if err != nil {
		return nil, err
	} else if err = res.Err(); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// columnParams maps ColumnDefs into their wire representation.
func columnParams(cols []engine.ColumnDef) wire.Value {
	var l = make([]wire.Value, len(cols))
	for i, col := range cols {
		var m = map[string]wire.Value{
			"name": wire.StringValue(col.Name),
			"type": wire.StringValue(col.Type),
		}
		if col.PrimaryKey {
			m["primary_key"] = wire.BoolValue(true)
		}
		if col.NotNull {
			m["not_null"] = wire.BoolValue(true)
		}
		if col.Default != "" {
			m["default"] = wire.StringValue(col.Default)
		}
		l[i] = wire.MapValue(m)
	}
	return wire.ListValue(l...)
}

func txnParam(params map[string]wire.Value, txn *uuid.UUID) map[string]wire.Value {
	if txn != nil {
		params["txn"] = wire.StringValue(txn.String())
	}
	return params
}

// CreateTable creates |table| with |cols|.
func (c *Client) CreateTable(ctx context.Context, table string, cols []engine.ColumnDef) error {
	var _, err = dataOf(c.Call(ctx, "create_table", map[string]wire.Value{
		"table":   wire.StringValue(table),
		"columns": columnParams(cols),
	}, wire.Normal, 0))
	return err
}

// DropTable drops |table|.
func (c *Client) DropTable(ctx context.Context, table string) error {
	var _, err = dataOf(c.Call(ctx, "drop_table", map[string]wire.Value{
		"table": wire.StringValue(table),
	}, wire.Normal, 0))
	return err
}

// AlterTable adds |cols| to |table|.
func (c *Client) AlterTable(ctx context.Context, table string, cols []engine.ColumnDef) error {
	var _, err = dataOf(c.Call(ctx, "alter_table", map[string]wire.Value{
		"table":       wire.StringValue(table),
		"add_columns": columnParams(cols),
	}, wire.Normal, 0))
	return err
}

// Insert inserts |data| into |table|, returning the new rowid.
func (c *Client) Insert(ctx context.Context, txn *uuid.UUID, table string,
	data map[string]wire.Value) (int64, error) {

	var out, err = dataOf(c.Call(ctx, "insert", txnParam(map[string]wire.Value{
		"table": wire.StringValue(table),
		"data":  wire.MapValue(data),
	}, txn), wire.Normal, 0))
	if err != nil {
		return 0, err
	}
	return out["rowid"].Int, nil
}

// Update applies |set| to rows of |table| matching |where|, returning the
// affected count.
func (c *Client) Update(ctx context.Context, txn *uuid.UUID, table string,
	set map[string]wire.Value, where string, args ...wire.Value) (int64, error) {

	var out, err = dataOf(c.Call(ctx, "update", txnParam(map[string]wire.Value{
		"table": wire.StringValue(table),
		"set":   wire.MapValue(set),
		"where": wire.StringValue(where),
		"args":  wire.ListValue(args...),
	}, txn), wire.Normal, 0))
	if err != nil {
		return 0, err
	}
	return out["affected"].Int, nil
}

// Delete removes rows of |table| matching |where|, returning the affected
// count.
func (c *Client) Delete(ctx context.Context, txn *uuid.UUID, table string,
	where string, args ...wire.Value) (int64, error) {

	var out, err = dataOf(c.Call(ctx, "delete", txnParam(map[string]wire.Value{
		"table": wire.StringValue(table),
		"where": wire.StringValue(where),
		"args":  wire.ListValue(args...),
	}, txn), wire.Normal, 0))
	if err != nil {
		return 0, err
	}
	return out["affected"].Int, nil
}

// SelectOptions parameterize a client Select.
type SelectOptions struct {
	Columns   []string
	Where     string
	Args      []wire.Value
	OrderBy   string
	OrderDesc bool
	Limit     int
	Offset    int
	Txn       *uuid.UUID
	Priority  wire.Priority
}

// Select queries rows of |table|.
func (c *Client) Select(ctx context.Context, table string, opts SelectOptions) ([]map[string]wire.Value, error) {
	var params = txnParam(map[string]wire.Value{
		"table": wire.StringValue(table),
	}, opts.Txn)

	if opts.Columns != nil {
		params["columns"] = wire.StringListValue(opts.Columns...)
	}
	if opts.Where != "" {
		params["where"] = wire.StringValue(opts.Where)
		params["args"] = wire.ListValue(opts.Args...)
	}
	if opts.OrderBy != "" {
		params["order_by"] = wire.StringValue(opts.OrderBy)
		params["order_desc"] = wire.BoolValue(opts.OrderDesc)
	}
	if opts.Limit != 0 {
		params["limit"] = wire.IntValue(int64(opts.Limit))
	}
	if opts.Offset != 0 {
		params["offset"] = wire.IntValue(int64(opts.Offset))
	}
	return rowsOf(c.Call(ctx, "select", params, opts.Priority, 0))
}

// Execute runs a raw parameterized statement, returning the affected row
// count and last insert id.
func (c *Client) Execute(ctx context.Context, txn *uuid.UUID, stmt string,
	args ...wire.Value) (affected, lastInsert int64, err error) {

	var out map[string]wire.Value
	if out, err = dataOf(c.Call(ctx, "execute", txnParam(map[string]wire.Value{
		"statement": wire.StringValue(stmt),
		"args":      wire.ListValue(args...),
	}, txn), wire.Normal, 0)); err != nil {
		return 0, 0, err
	}
	return out["affected"].Int, out["last_insert_id"].Int, nil
}

// Begin opens a transaction and returns its id.
func (c *Client) Begin(ctx context.Context) (uuid.UUID, error) {
	var out, err = dataOf(c.Call(ctx, "begin_transaction", nil, wire.High, 0))
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(out["txn"].Str)
}

// Commit commits the transaction of |txn|.
func (c *Client) Commit(ctx context.Context, txn uuid.UUID) error {
	var _, err = dataOf(c.Call(ctx, "commit_transaction", map[string]wire.Value{
		"txn": wire.StringValue(txn.String()),
	}, wire.High, 0))
	return err
}

// Rollback rolls back the transaction of |txn|.
func (c *Client) Rollback(ctx context.Context, txn uuid.UUID) error {
	var _, err = dataOf(c.Call(ctx, "rollback_transaction", map[string]wire.Value{
		"txn": wire.StringValue(txn.String()),
	}, wire.High, 0))
	return err
}

// GetTableInfo fetches column, index, and row-count details of |table|.
func (c *Client) GetTableInfo(ctx context.Context, table string) (map[string]wire.Value, error) {
	return dataOf(c.Call(ctx, "get_table_info", map[string]wire.Value{
		"table": wire.StringValue(table),
	}, wire.Normal, 0))
}

// SchemaVersion fetches the database's current schema version.
func (c *Client) SchemaVersion(ctx context.Context) (int, error) {
	var out, err = dataOf(c.Call(ctx, "get_schema_version", nil, wire.Normal, 0))
	if err != nil {
		return 0, err
	}
	return int(out["version"].Int), nil
}

// SyncSchema applies a declarative YAML |schema| document, optionally
// snapshotting to |backupDir| first. It returns per-table outcomes.
func (c *Client) SyncSchema(ctx context.Context, schema, backupDir string) (map[string]wire.Value, error) {
	return dataOf(c.Call(ctx, "sync_schema", map[string]wire.Value{
		"schema":     wire.StringValue(schema),
		"backup_dir": wire.StringValue(backupDir),
	}, wire.Normal, 0))
}

// TreeQuery fetches syntax-tree nodes of |target| matching |filter|.
func (c *Client) TreeQuery(ctx context.Context, target, filter string) ([]map[string]wire.Value, error) {
	return rowsOf(c.Call(ctx, "tree_query", map[string]wire.Value{
		"target": wire.StringValue(target),
		"filter": wire.StringValue(filter),
	}, wire.Normal, 0))
}

// TreeModify updates or deletes nodes of |target| matching |filter|.
func (c *Client) TreeModify(ctx context.Context, txn *uuid.UUID, target, filter string,
	set map[string]wire.Value, del bool) (int64, error) {

	var params = txnParam(map[string]wire.Value{
		"target": wire.StringValue(target),
		"filter": wire.StringValue(filter),
	}, txn)
	if set != nil {
		params["set"] = wire.MapValue(set)
	}
	if del {
		params["delete"] = wire.BoolValue(true)
	}
	var out, err = dataOf(c.Call(ctx, "tree_modify", params, wire.Normal, 0))
	if err != nil {
		return 0, err
	}
	return out["affected"].Int, nil
}

// TreeInsert adds a node under |target|, returning its id.
func (c *Client) TreeInsert(ctx context.Context, txn *uuid.UUID, target string,
	node map[string]wire.Value) (int64, error) {

	var out, err = dataOf(c.Call(ctx, "tree_insert", txnParam(map[string]wire.Value{
		"target": wire.StringValue(target),
		"node":   wire.MapValue(node),
	}, txn), wire.Normal, 0))
	if err != nil {
		return 0, err
	}
	return out["id"].Int, nil
}

// Ping verifies server and database liveness.
func (c *Client) Ping(ctx context.Context) error {
	var _, err = dataOf(c.Call(ctx, "ping", nil, wire.Urgent, 5*time.Second))
	return err
}

// Stats fetches server queue and pool gauges.
func (c *Client) Stats(ctx context.Context) (map[string]wire.Value, error) {
	return dataOf(c.Call(ctx, "stats", nil, wire.Urgent, 0))
}

// Display renders a Value for human consumption.
func Display(v wire.Value) string {
	switch v.Kind {
	case wire.KindNull:
		return "NULL"
	case wire.KindBytes:
		return fmt.Sprintf("0x%x", v.Bytes)
	case wire.KindTime:
		return v.Time.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v.Interface())
	}
}
