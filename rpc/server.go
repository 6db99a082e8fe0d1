package rpc

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/lanedb/lane/engine"
	"github.com/lanedb/lane/metrics"
	"github.com/lanedb/lane/queue"
	"github.com/lanedb/lane/task"
	"github.com/lanedb/lane/wire"
)

// ServerConfig parameterizes a Server.
type ServerConfig struct {
	// SocketPath is the unix socket to listen on.
	SocketPath string
	// Workers is the size of the execution pool.
	Workers int
	// QueueSize bounds the priority queue.
	QueueSize int
	// DefaultTimeout applies to requests which carry none.
	DefaultTimeout time.Duration
	// ExpireInterval is the cadence of the queued-request expiry sweep.
	ExpireInterval time.Duration
}

// Validate returns an error if the ServerConfig is malformed, and fills
// defaulted fields.
func (c *ServerConfig) Validate() error {
	if c.SocketPath == "" {
		return errors.New("SocketPath is required")
	}
	if c.Workers == 0 {
		c.Workers = 10
	} else if c.Workers < 0 {
		return errors.New("Workers must be positive")
	}
	if c.QueueSize == 0 {
		c.QueueSize = queue.DefaultMaxSize
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.ExpireInterval == 0 {
		c.ExpireInterval = time.Second
	}
	return nil
}

// Server accepts framed requests over a unix socket, orders them in a
// bounded priority queue, and executes them on a fixed worker pool against
// the driver engine. Results are correlated back to waiting connections via
// the pending-response registry; a result whose caller has already timed out
// is dropped.
type Server struct {
	cfg      ServerConfig
	engine   *engine.Engine
	queue    *queue.Queue
	registry *registry
	dispatch map[string]handler

	listener net.Listener
	work     chan *queue.QueuedRequest
	wake     chan struct{}
	tasks    *task.Group

	// Test hooks. onDispatch observes each request as it is handed to a
	// worker; override takes precedence over the dispatch table.
	onDispatch func(*wire.Request)
	override   map[string]handler
}

// NewServer returns a Server of |cfg| executing against |e|.
func NewServer(cfg ServerConfig, e *engine.Engine) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var s = &Server{
		cfg:      cfg,
		engine:   e,
		queue:    queue.New(cfg.QueueSize),
		registry: newRegistry(),
		work:     make(chan *queue.QueuedRequest),
		wake:     make(chan struct{}, 1),
	}
	s.dispatch = s.buildDispatch()
	return s, nil
}

// Serve listens on the configured socket and runs the accept, dispatch,
// expiry, and worker loops until |ctx| is cancelled or a loop fails.
// It blocks until all loops have drained.
func (s *Server) Serve(ctx context.Context) error {
	// A stale socket file from an unclean shutdown blocks the bind.
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing stale socket")
	}
	var l, err = net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return errors.Wrap(err, "listening")
	}
	s.listener = l

	log.WithFields(log.Fields{
		"socket":  s.cfg.SocketPath,
		"workers": s.cfg.Workers,
	}).Info("serving driver requests")

	s.tasks = task.NewGroup(ctx)
	s.tasks.Queue("rpc.accept", s.acceptLoop)
	s.tasks.Queue("rpc.dispatch", s.dispatchLoop)
	s.tasks.Queue("rpc.expire", s.expireLoop)
	for i := 0; i != s.cfg.Workers; i++ {
		s.tasks.Queue("rpc.worker", s.workerLoop)
	}
	// Unblock the accept loop on cancellation.
	s.tasks.Queue("rpc.closer", func() error {
		<-s.tasks.Context().Done()
		return s.listener.Close()
	})
	s.tasks.GoRun()

	err = s.tasks.Wait()
	_ = os.Remove(s.cfg.SocketPath)

	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Stop cancels the Server's loops. Serve unblocks once they drain.
func (s *Server) Stop() {
	if s.tasks != nil {
		s.tasks.Cancel()
	}
}

func (s *Server) acceptLoop() error {
	for {
		var conn, err = s.listener.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

// serveConn reads framed requests from |conn| until EOF or a protocol
// error. Protocol errors (desync, malformed payloads) cannot be attributed
// to a request ID, so the connection is torn down rather than answered.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	var br = bufio.NewReader(conn)
	var wmu sync.Mutex // Serializes result frames onto |conn|.

	for {
		var payload, err = wire.UnpackFrame(br)
		if err == io.EOF {
			return
		} else if err != nil {
			log.WithField("err", err).Warn("tearing down connection on framing error")
			return
		}

		var req *wire.Request
		if req, err = wire.DecodeRequest(payload); err != nil {
			log.WithField("err", err).Warn("tearing down connection on malformed request")
			return
		}
		if req.Timeout <= 0 {
			req.Timeout = s.cfg.DefaultTimeout
		}
		s.admit(conn, &wmu, req)
	}
}

// admit registers |req|, enqueues it, and arranges for its result (or a
// timeout) to be written back to the connection.
func (s *Server) admit(conn net.Conn, wmu *sync.Mutex, req *wire.Request) {
	var p, err = s.registry.register(req.ID)
	if err != nil {
		s.writeResult(conn, wmu, wire.NewError(req.ID, wire.CodeValidation, "%s", err))
		return
	}

	if err = s.queue.Enqueue(req); err != nil {
		s.registry.abandon(req.ID)

		var res *wire.Result
		if errors.Is(err, queue.ErrQueueFull) {
			metrics.QueueRejectedTotal.Inc()
			res = wire.NewError(req.ID, wire.CodeQueueFull, "%s", err)
		} else {
			res = wire.ErrorFrom(req.ID, err)
		}
		s.writeResult(conn, wmu, res)
		return
	}
	metrics.QueueDepth.WithLabelValues(req.Priority.String()).Inc()

	select {
	case s.wake <- struct{}{}:
	default: // Dispatch loop is already awake.
	}

	go func() {
		var res, ok = p.wait(req.Timeout)
		if !ok {
			// The caller's window closed. Abandon the registration so a late
			// result is dropped, and remove the request if still queued.
			s.registry.abandon(req.ID)
			if s.queue.Remove(req.ID) {
				metrics.QueueDepth.WithLabelValues(req.Priority.String()).Dec()
			}
			res = wire.NewError(req.ID, wire.CodeTimeout,
				"request timed out after %s", req.Timeout)
		}
		s.writeResult(conn, wmu, res)
	}()
}

func (s *Server) writeResult(conn net.Conn, wmu *sync.Mutex, res *wire.Result) {
	wmu.Lock()
	defer wmu.Unlock()

	if _, err := conn.Write(wire.AppendResult(nil, res)); err != nil {
		log.WithFields(log.Fields{"id": res.ID, "err": err}).
			Warn("failed to write result")
	}
}

// dispatchLoop drains the priority queue into the worker channel.
func (s *Server) dispatchLoop() error {
	var done = s.tasks.Context().Done()
	for {
		var qr, ok = s.queue.Dequeue()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-done:
				return nil
			}
		}
		metrics.QueueDepth.WithLabelValues(qr.Priority.String()).Dec()

		if s.onDispatch != nil {
			s.onDispatch(qr.Request)
		}
		select {
		case s.work <- qr:
		case <-done:
			return nil
		}
	}
}

// workerLoop executes dispatched requests and resolves their results.
func (s *Server) workerLoop() error {
	var ctx = s.tasks.Context()
	for {
		var qr *queue.QueuedRequest
		select {
		case qr = <-s.work:
		case <-ctx.Done():
			return nil
		}

		var fn, ok = s.handlerOf(qr.Method)
		var res *wire.Result
		if !ok {
			res = wire.NewError(qr.ID, wire.CodeUnknownMethod,
				"unknown method %q", qr.Method)
		} else {
			var reqCtx, cancel = context.WithTimeout(ctx, qr.Timeout)
			var began = time.Now()

			res = fn(reqCtx, qr.Request)
			cancel()

			metrics.RequestDurationSeconds.WithLabelValues(qr.Method).
				Observe(time.Since(began).Seconds())
		}

		var outcome = metrics.Ok
		if res.Tag == wire.TagError {
			outcome = metrics.Fail
		}
		metrics.RequestsTotal.WithLabelValues(qr.Method, outcome).Inc()

		if !s.registry.resolve(res) {
			metrics.DroppedResultsTotal.Inc()
			log.WithFields(log.Fields{"id": res.ID, "method": qr.Method}).
				Debug("dropping result of abandoned request")
		}
	}
}

func (s *Server) handlerOf(method string) (handler, bool) {
	if fn, ok := s.override[method]; ok {
		return fn, true
	}
	var fn, ok = s.dispatch[method]
	return fn, ok
}

// expireLoop periodically fails queued requests which aged past their
// timeout without being dispatched.
func (s *Server) expireLoop() error {
	var ticker = time.NewTicker(s.cfg.ExpireInterval)
	defer ticker.Stop()

	var done = s.tasks.Context().Done()
	for {
		select {
		case now := <-ticker.C:
			for _, qr := range s.queue.Expire(now) {
				metrics.QueueDepth.WithLabelValues(qr.Priority.String()).Dec()
				metrics.QueueExpiredTotal.Inc()

				if !s.registry.resolve(wire.NewError(qr.ID, wire.CodeTimeout,
					"request expired in queue after %s", now.Sub(qr.EnqueuedAt))) {
					metrics.DroppedResultsTotal.Inc()
				}
			}
		case <-done:
			return nil
		}
	}
}
