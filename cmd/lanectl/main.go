package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"

	mbp "github.com/lanedb/lane/mainboilerplate"
	"github.com/lanedb/lane/rpc"
	"github.com/lanedb/lane/wire"
)

const iniFilename = "lanectl.ini"

var (
	baseCfg = new(struct {
		Driver struct {
			Socket  string        `long:"socket" env:"SOCKET" default:"/tmp/lane.sock" description:"Path of the driver's unix socket"`
			Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"Timeout of driver calls"`
		} `group:"Driver" namespace:"driver" env-namespace:"DRIVER"`

		Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
	})

	parser = flags.NewParser(baseCfg, flags.Default)
)

// dial returns a Client of the configured driver socket.
func dial() *rpc.Client {
	mbp.InitLog(baseCfg.Log)

	var client, err = rpc.NewClient(rpc.ClientConfig{
		SocketPath:     baseCfg.Driver.Socket,
		DefaultTimeout: baseCfg.Driver.Timeout,
	})
	mbp.Must(err, "failed to build client")
	return client
}

// argValue maps a command-line argument into its typed Value: integers and
// floats bind as such, everything else as a string.
func argValue(s string) wire.Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return wire.IntValue(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return wire.FloatValue(f)
	}
	return wire.StringValue(s)
}

type cmdPing struct{}

func (cmdPing) Execute([]string) error {
	var client = dial()
	defer client.Close()

	var began = time.Now()
	if err := client.Ping(context.Background()); err != nil {
		return err
	}
	fmt.Printf("OK (%s)\n", time.Since(began))
	return nil
}

type cmdExec struct {
	Args struct {
		Statement string   `positional-arg-name:"STATEMENT" required:"true"`
		Params    []string `positional-arg-name:"PARAM"`
	} `positional-args:"true"`
}

func (c cmdExec) Execute([]string) error {
	var client = dial()
	defer client.Close()

	var args = make([]wire.Value, len(c.Args.Params))
	for i, p := range c.Args.Params {
		args[i] = argValue(p)
	}

	var affected, lastInsert, err = client.Execute(context.Background(), nil, c.Args.Statement, args...)
	if err != nil {
		return err
	}
	fmt.Printf("%s row(s) affected, last insert id %d\n", humanize.Comma(affected), lastInsert)
	return nil
}

type cmdSelect struct {
	Table     string   `long:"table" short:"t" required:"true" description:"Table to query"`
	Columns   []string `long:"column" short:"c" description:"Columns to project, eg -c id -c name (default all)"`
	Where     string   `long:"where" short:"w" description:"Row predicate with ? placeholders"`
	Args      []string `long:"arg" description:"Predicate placeholder bindings"`
	OrderBy   string   `long:"order-by" description:"Column to order by"`
	Desc      bool     `long:"desc" description:"Order descending"`
	Limit     int      `long:"limit" description:"Maximum rows to return"`
	Offset    int      `long:"offset" description:"Rows to skip"`
}

func (c cmdSelect) Execute([]string) error {
	var client = dial()
	defer client.Close()

	var args = make([]wire.Value, len(c.Args))
	for i, a := range c.Args {
		args[i] = argValue(a)
	}

	var rows, err = client.Select(context.Background(), c.Table, rpc.SelectOptions{
		Columns:   c.Columns,
		Where:     c.Where,
		Args:      args,
		OrderBy:   c.OrderBy,
		OrderDesc: c.Desc,
		Limit:     c.Limit,
		Offset:    c.Offset,
	})
	if err != nil {
		return err
	}

	// Derive a stable column ordering from the projection, or from the
	// union of returned row keys.
	var header = c.Columns
	if header == nil {
		var seen = make(map[string]struct{})
		for _, row := range rows {
			for k := range row {
				if _, ok := seen[k]; !ok {
					seen[k] = struct{}{}
					header = append(header, k)
				}
			}
		}
		sort.Strings(header)
	}

	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	for _, row := range rows {
		var out = make([]string, len(header))
		for i, col := range header {
			out[i] = rpc.Display(row[col])
		}
		table.Append(out)
	}
	table.Render()

	fmt.Printf("%s row(s)\n", humanize.Comma(int64(len(rows))))
	return nil
}

type cmdStats struct{}

func (cmdStats) Execute([]string) error {
	var client = dial()
	defer client.Close()

	var stats, err = client.Stats(context.Background())
	if err != nil {
		return err
	}

	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})

	table.Append([]string{"queue size", humanize.Comma(stats["queue_size"].Int)})
	table.Append([]string{"workers", humanize.Comma(stats["workers"].Int)})
	table.Append([]string{"pending", humanize.Comma(stats["pending"].Int)})

	if age := stats["oldest_age_ms"].Int; age > 0 {
		table.Append([]string{"oldest request",
			humanize.Time(time.Now().Add(-time.Duration(age) * time.Millisecond))})
	}
	for p, n := range stats["per_priority"].Map {
		table.Append([]string{"queued " + p, humanize.Comma(n.Int)})
	}
	table.Render()
	return nil
}

type cmdSyncSchema struct {
	File      string `long:"file" short:"f" required:"true" description:"Path of the YAML schema document"`
	BackupDir string `long:"backup-dir" description:"Directory to snapshot the database into before syncing"`
}

func (c cmdSyncSchema) Execute([]string) error {
	var client = dial()
	defer client.Close()

	var doc, err = os.ReadFile(c.File)
	if err != nil {
		return err
	}
	report, err := client.SyncSchema(context.Background(), string(doc), c.BackupDir)
	if err != nil {
		return err
	}

	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Table", "Outcome"})

	var names []string
	for name := range report["tables"].Map {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		table.Append([]string{name, report["tables"].Map[name].Str})
	}
	table.Render()

	for _, e := range report["errors"].List {
		fmt.Fprintln(os.Stderr, "error:", e.Str)
	}
	if path := report["backup_path"].Str; path != "" {
		fmt.Println("snapshot written to", path)
	}
	fmt.Println("schema version", report["version"].Int)
	return nil
}

func mustAddCmd(cmd interface{}, name, short, long string) {
	var _, err = parser.AddCommand(name, short, long, cmd)
	mbp.Must(err, "failed to add command", "name", name)
}

func main() {
	mustAddCmd(&cmdPing{}, "ping", "Check driver liveness", `
ping issues an urgent liveness probe to the driver and reports its round
trip time.`)
	mustAddCmd(&cmdExec{}, "exec", "Execute a raw statement", `
exec runs a single parameterized SQL statement against the driver, eg:

    lanectl exec "DELETE FROM docs WHERE id = ?" 42
`)
	mustAddCmd(&cmdSelect{}, "select", "Query rows of a table", `
select queries rows of a table, rendering them as a table.`)
	mustAddCmd(&cmdStats{}, "stats", "Show driver queue statistics", `
stats fetches and renders the driver's request queue and worker pool
gauges.`)
	mustAddCmd(&cmdSyncSchema{}, "sync-schema", "Apply a declarative schema", `
sync-schema applies a declarative YAML schema document to the database,
creating missing tables, adding missing columns and indexes, and reporting
the outcome for each table.`)

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
