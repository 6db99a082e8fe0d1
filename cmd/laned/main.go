package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/lanedb/lane/engine"
	mbp "github.com/lanedb/lane/mainboilerplate"
	"github.com/lanedb/lane/metrics"
	"github.com/lanedb/lane/rpc"
)

const iniFilename = "laned.ini"

// Config is the top-level configuration object of a Lane driver daemon.
var Config = new(struct {
	Lane struct {
		Database       string        `long:"database" env:"DATABASE" default:"lane.db" description:"Path of the SQLite database file"`
		Socket         string        `long:"socket" env:"SOCKET" default:"/tmp/lane.sock" description:"Path of the unix socket to serve on"`
		Workers        int           `long:"workers" env:"WORKERS" default:"10" description:"Size of the request worker pool"`
		QueueSize      int           `long:"queue-size" env:"QUEUE_SIZE" default:"1024" description:"Maximum number of queued requests"`
		DefaultTimeout time.Duration `long:"default-timeout" env:"DEFAULT_TIMEOUT" default:"30s" description:"Timeout applied to requests which carry none"`
	} `group:"Lane" namespace:"lane" env-namespace:"LANE"`

	Log   mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Debug struct {
		Listen string `long:"listen" env:"LISTEN" default:"" description:"Address to serve metrics and debug endpoints on (empty disables)"`
	} `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type serveDriver struct{}

func (serveDriver) Execute(args []string) error {
	mbp.InitLog(Config.Log)

	var registry = prometheus.NewRegistry()
	metrics.MustRegister(registry)
	mbp.InitDiagnostics(Config.Debug.Listen, registry)

	log.WithFields(log.Fields{
		"database": Config.Lane.Database,
		"socket":   Config.Lane.Socket,
		"version":  mbp.Version,
	}).Info("starting driver")

	var e, err = engine.Open(Config.Lane.Database)
	mbp.Must(err, "failed to open database", "path", Config.Lane.Database)
	defer e.Close()

	srv, err := rpc.NewServer(rpc.ServerConfig{
		SocketPath:     Config.Lane.Socket,
		Workers:        Config.Lane.Workers,
		QueueSize:      Config.Lane.QueueSize,
		DefaultTimeout: Config.Lane.DefaultTimeout,
	}, e)
	mbp.Must(err, "failed to build server")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	go func() {
		var signalCh = make(chan os.Signal, 1)
		signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal; draining")
		cancel()
	}()

	err = srv.Serve(ctx)
	mbp.Must(err, "server failed")

	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	parser.AddCommand("serve", "Serve as Lane driver", `
serve a Lane driver daemon with the provided configuration, until signaled to
exit (via SIGTERM). Upon receiving a signal, the driver drains its worker
pool and closes the database before exiting.
`, &serveDriver{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
