// Package main implements rangekeeper-ctl, a one-shot command line client
// that opens the configured engine and state stores directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rangekeeper/rangekeeper/internal/app"
	"github.com/rangekeeper/rangekeeper/internal/config"
	"github.com/rangekeeper/rangekeeper/internal/partition"
	"github.com/rangekeeper/rangekeeper/pkg/types"
	"gopkg.in/yaml.v3"
)

type command struct {
	usage string
	run   func(ctx context.Context, a *app.App, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"init-table": {"init-table --def table.yaml [--boundaries 2021-01-01,2022-01-01] [--plain]", initTable},
		"boundaries": {"boundaries <table>", listBoundaries},
		"partitions": {"partitions <table>", listPartitions},
		"advance":    {"advance <table> [--lead 1y] [--dry-run] [--wait]", advance},
		"migrate":    {"migrate <run-id> [--step]", runMigration},
		"cursor":     {"cursor [<run-id>] [--reset]", showCursor},
		"switch-out": {"switch-out <table> <ordinal> <archive-table>", switchOut},
		"export":     {"export <table> [--object path] [--force] [--no-verify] [--list]", export},
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: rangekeeper-ctl [--config file] [--data-dir dir] <command> [args]\n\nCommands:\n")
	for _, name := range []string{"init-table", "boundaries", "partitions", "advance", "migrate", "cursor", "switch-out", "export"} {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
}

func main() {
	var configFile, dataDir string
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for SQLite files")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	var cfg *config.Config
	var err error
	if configFile != "" {
		if cfg, err = config.LoadFromFile(configFile); err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Open(ctx); err != nil {
		log.Fatalf("Failed to open: %v", err)
	}
	runErr := cmd.run(ctx, a, flag.Args()[1:])
	if err := a.Close(); err != nil {
		log.Printf("close: %v", err)
	}
	if runErr != nil {
		printJSON(map[string]string{"error": runErr.Error()})
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("encode output: %v", err)
	}
}

// parse splits args into positionals and the flags of fs; flags may follow
// positionals.
func parse(fs *flag.FlagSet, args []string, positionals int) ([]string, error) {
	var pos []string
	for len(args) > 0 {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) > 0 {
			pos = append(pos, args[0])
			args = args[1:]
		}
	}
	if len(pos) != positionals {
		return nil, fmt.Errorf("expected %d argument(s), got %d", positionals, len(pos))
	}
	return pos, nil
}

func initTable(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("init-table", flag.ContinueOnError)
	defPath := fs.String("def", "", "YAML or JSON table definition")
	bounds := fs.String("boundaries", "", "Comma-separated initial boundaries (YYYY-MM-DD)")
	plain := fs.Bool("plain", false, "Create an unpartitioned table (archive or migration target)")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	if *defPath == "" {
		return fmt.Errorf("--def is required")
	}
	data, err := os.ReadFile(*defPath)
	if err != nil {
		return err
	}
	var def types.TableDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("failed to parse table definition: %w", err)
	}

	if *plain {
		if err := a.Engine().CreateTable(ctx, def); err != nil {
			return err
		}
		printJSON(map[string]string{"table": def.Name, "status": "created"})
		return nil
	}

	var bs []types.Boundary
	if *bounds != "" {
		for _, s := range strings.Split(*bounds, ",") {
			b, err := types.ParseBoundary(strings.TrimSpace(s))
			if err != nil {
				return err
			}
			bs = append(bs, b)
		}
	}
	if err := a.Engine().CreatePartitionedTable(ctx, def, bs); err != nil {
		return err
	}
	printJSON(map[string]interface{}{"table": def.Name, "boundaries": partition.Strings(bs)})
	return nil
}

func listBoundaries(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["boundaries"].usage)
	}
	bs, err := a.Engine().ListBoundaries(ctx, args[0])
	if err != nil {
		return err
	}
	out := map[string]interface{}{"table": args[0], "boundaries": partition.Strings(bs)}
	if hi, ok := partition.MaxBoundary(bs); ok {
		out["max"] = hi.String()
	}
	printJSON(out)
	return nil
}

func listPartitions(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["partitions"].usage)
	}
	parts, err := a.Engine().Partitions(ctx, args[0])
	if err != nil {
		return err
	}
	printJSON(map[string]interface{}{"table": args[0], "partitions": parts})
	return nil
}

func advance(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("advance", flag.ContinueOnError)
	leadFlag := fs.String("lead", "", "Lead interval (e.g. 1y, 3m, 30d); defaults to the configured lead")
	dryRun := fs.Bool("dry-run", false, "Print the boundaries that would be added")
	wait := fs.Bool("wait", false, "Wait for a held table lease instead of failing")
	pos, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	table := pos[0]

	var lead types.Interval
	if *leadFlag != "" {
		if lead, err = types.ParseInterval(*leadFlag); err != nil {
			return err
		}
	} else if tc, ok := a.Config().Table(table); ok {
		lead = tc.Lead
	} else {
		return fmt.Errorf("table %s has no configured lead; pass --lead", table)
	}

	if *dryRun {
		plan, err := a.Controller().Plan(ctx, table, lead)
		if err != nil {
			return err
		}
		printJSON(plan)
		return nil
	}
	ensure := a.Controller().EnsureBoundaryAhead
	if *wait {
		ensure = a.Controller().EnsureBoundaryAheadWait
	}
	res, err := ensure(ctx, table, lead)
	if res != nil {
		printJSON(res)
	}
	return err
}

func runMigration(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	step := fs.Bool("step", false, "Copy a single batch and stop")
	pos, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	mc, ok := a.Config().Migration(pos[0])
	if !ok {
		return fmt.Errorf("no migration job %s is configured", pos[0])
	}

	if *step {
		res, err := a.Migrator().Step(ctx, mc.MigrationJob)
		if err != nil {
			return err
		}
		printJSON(res)
		return nil
	}

	for res, err := range a.Migrator().Migrate(ctx, mc.MigrationJob) {
		if err != nil {
			return err
		}
		log.Printf("batch %d: %d rows, keys %d..%d", res.Sequence, res.Rows, res.FirstKey, res.LastKey)
	}
	if mc.SwitchOut != nil {
		sw, err := a.Migrator().SwitchOut(ctx, mc.SwitchOut.Table, mc.SwitchOut.Ordinal, mc.SwitchOut.ArchiveTable)
		if err != nil {
			return err
		}
		printJSON(sw)
	}
	c, err := a.Cursors().Load(ctx, mc.RunID)
	if err != nil {
		return err
	}
	printJSON(c)
	return nil
}

func showCursor(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("cursor", flag.ContinueOnError)
	reset := fs.Bool("reset", false, "Delete the cursor so the run starts over")
	var pos []string
	var err error
	if len(args) == 0 {
		cs, err := a.Cursors().List(ctx)
		if err != nil {
			return err
		}
		printJSON(cs)
		return nil
	}
	if pos, err = parse(fs, args, 1); err != nil {
		return err
	}
	if *reset {
		if err := a.Cursors().Delete(ctx, pos[0]); err != nil {
			return err
		}
		printJSON(map[string]string{"run_id": pos[0], "status": "reset"})
		return nil
	}
	c, err := a.Cursors().Load(ctx, pos[0])
	if err != nil {
		return err
	}
	printJSON(c)
	return nil
}

func switchOut(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: %s", commands["switch-out"].usage)
	}
	var ordinal int
	if _, err := fmt.Sscanf(args[1], "%d", &ordinal); err != nil {
		return fmt.Errorf("invalid ordinal %q", args[1])
	}
	res, err := a.Migrator().SwitchOut(ctx, args[0], ordinal, args[2])
	if err != nil {
		return err
	}
	printJSON(res)
	return nil
}

func export(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	object := fs.String("object", "", "Object path (default: <prefix>/<table>/<timestamp>.jsonl.sz)")
	force := fs.Bool("force", false, "Replace an existing object at the same path")
	noVerify := fs.Bool("no-verify", false, "Skip re-reading the uploaded object")
	list := fs.Bool("list", false, "List existing exports of the table instead of exporting")
	pos, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	if *list {
		paths, err := a.Exporter().List(ctx, pos[0])
		if err != nil {
			return err
		}
		printJSON(map[string]interface{}{"table": pos[0], "objects": paths})
		return nil
	}
	res, err := a.Exporter().Export(ctx, pos[0], *object, *force)
	if err != nil {
		return err
	}
	if !*noVerify {
		if err := a.Exporter().Verify(ctx, res.ObjectPath, res.Rows); err != nil {
			return err
		}
	}
	printJSON(res)
	return nil
}
