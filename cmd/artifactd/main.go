package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/msageha/artifactd/internal/config"
	"github.com/msageha/artifactd/internal/daemon"
	"github.com/msageha/artifactd/internal/model"
	"github.com/msageha/artifactd/internal/monitor"
	"github.com/msageha/artifactd/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "run":
		err = runDaemon(args)
	case "init":
		err = runInit(args)
	case "status":
		err = runStatus(args)
	case "report":
		err = runReport(args)
	case "pause", "resume", "scan", "shutdown":
		err = runSimple(os.Args[1], args)
	case "version":
		fmt.Printf("artifactd %s\n", version)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// newFlags returns a flag set carrying the --config flag every command shares.
func newFlags(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	path := fs.StringP("config", "c", config.DefaultFile, "configuration file; relative paths inside it resolve against its directory")
	return fs, path
}

// loadConfig reads the configuration at path. A missing file means the
// built-in defaults rooted at the file's directory.
func loadConfig(path string) (model.Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return model.Config{}, err
	}
	return config.Load(abs, filepath.Dir(abs))
}

func runDaemon(args []string) error {
	fs, cfgPath := newFlags("run")
	foreground := fs.BoolP("foreground", "f", false, "also write the daemon log to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	d, err := daemon.New(cfg, daemon.Options{Foreground: *foreground, HandleSignals: true})
	if err != nil {
		return err
	}
	if *foreground {
		fmt.Fprintf(os.Stderr, "artifactd %s watching %v\n", version, cfg.Paths.Watch)
	}
	return d.Run(context.Background())
}

func runInit(args []string) error {
	fs, cfgPath := newFlags("init")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.WriteDefault(*cfgPath); err != nil {
		return err
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if err := config.EnsureDirs(cfg.Paths); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *cfgPath)
	for _, w := range cfg.Paths.Watch {
		fmt.Printf("drop artifacts into %s\n", w)
	}
	return nil
}

// client connects to the daemon owning the configured state directory.
func client(cfgPath string) (*uds.Client, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return uds.NewClient(daemon.SocketPath(cfg.Paths.State)), nil
}

func runStatus(args []string) error {
	fs, cfgPath := newFlags("status")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := client(*cfgPath)
	if err != nil {
		return err
	}

	var st daemon.Status
	if err := c.Call("status", nil, &st); err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(st)
	}

	fmt.Printf("pid %d, up %s, backend %s\n", st.PID, st.Uptime, st.Backend)
	fmt.Printf("workers %d/%d busy, %d batched\n", st.Workers.Busy, st.Workers.Total, st.Batched)
	switch {
	case st.Degraded:
		fmt.Println("dispatch: suspended (queue backend unavailable)")
	case st.DispatchPaused:
		fmt.Println("dispatch: paused")
	default:
		fmt.Println("dispatch: running")
	}
	if st.Unfinalized > 0 {
		fmt.Printf("finalization: %d task(s) waiting to be relocated\n", st.Unfinalized)
	}
	if st.IngestionPaused {
		fmt.Println("ingestion: paused (queue at capacity)")
	}
	for _, t := range st.Active {
		fmt.Printf("  %-32s %-6s %-9s %-10s attempts=%d %s\n", t.ID, t.Priority, t.Mode, t.Status, t.Attempts, t.WorkerID)
	}
	if st.Monitor != nil {
		fmt.Println()
		fmt.Print(monitor.FormatDashboard(*st.Monitor))
	}
	return nil
}

func runReport(args []string) error {
	fs, cfgPath := newFlags("report")
	var p daemon.ReportParams
	fs.StringVar(&p.Window, "window", "", "report over the trailing window (e.g. 15m, 24h)")
	fs.StringVar(&p.From, "from", "", "range start, RFC3339")
	fs.StringVar(&p.To, "to", "", "range end, RFC3339")
	jsonOut := fs.Bool("json", false, "print JSON instead of YAML")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := client(*cfgPath)
	if err != nil {
		return err
	}

	var rep monitor.Report
	if err := c.Call("report", p, &rep); err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(rep)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(rep)
}

func runSimple(command string, args []string) error {
	fs, cfgPath := newFlags(command)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := client(*cfgPath)
	if err != nil {
		return err
	}

	var out map[string]string
	if err := c.Call(command, nil, &out); err != nil {
		return err
	}
	for k, v := range out {
		fmt.Printf("%s: %s\n", k, v)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: artifactd <command> [options]

Commands:
  run [--foreground]                  Run the daemon
  init                                Write a default configuration and create the directory tree
  status [--json]                     Show workers, queue and alert state
  report [--window D | --from T --to T] [--json]
                                      Summarize metrics over a time range
  pause                               Stop dispatching new tasks
  resume                              Resume dispatching
  scan                                Rescan the watch directories now
  shutdown                            Stop the daemon gracefully
  version                             Print the version

Every command accepts --config/-c (default artifactd.yaml).
`)
}
