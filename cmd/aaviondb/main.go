package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dominikletica/aaviondb/pkg/api"
	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/config"
	"github.com/dominikletica/aaviondb/pkg/runtime"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "aaviondb %s\n", runtime.Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		// Everything else is a statement. Quoted or bare both work:
		// `aaviondb "project create demo"` and `aaviondb project create demo`.
		return runStatement(args[1:], stdout, stderr)
	}
}

func runStatement(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("aaviondb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath string
		dataDir    string
		compact    bool
	)
	fs.StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	fs.StringVar(&dataDir, "data-dir", "", "Override the storage root")
	fs.BoolVar(&compact, "json", false, "Print the envelope as compact JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	statement := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if statement == "" {
		fmt.Fprintln(stderr, `usage: aaviondb [flags] "<statement>"`)
		return 2
	}

	ctx := context.Background()
	engine, err := buildEngine(ctx, configPath, dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "aaviondb: %v\n", err)
		return 1
	}
	defer engine.Close(ctx)

	resp := engine.ExecuteStatement(ctx, statement)
	writeResponse(stdout, resp, compact)
	if resp.IsError() {
		return 1
	}
	return 0
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("aaviondb serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath string
		dataDir    string
		addr       string
	)
	fs.StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	fs.StringVar(&dataDir, "data-dir", "", "Override the storage root")
	fs.StringVar(&addr, "addr", "", "Listen address (overrides http.addr)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "aaviondb: %v\n", err)
		return 1
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}

	ctx := context.Background()
	engine, err := runtime.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "aaviondb: %v\n", err)
		return 1
	}
	defer engine.Close(context.Background())

	srv := api.New(engine)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	fmt.Fprintf(stdout, "aaviondb %s listening on %s\n", runtime.Version, cfg.HTTP.Addr)
	fmt.Fprintln(stdout, "press ctrl+c to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case sig := <-sigCh:
		fmt.Fprintf(stdout, "received %s, shutting down\n", sig)
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(stderr, "aaviondb: serve: %v\n", err)
			return 1
		}
		return 0
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "aaviondb: shutdown: %v\n", err)
		return 1
	}
	return 0
}

func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("aaviondb doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath string
		dataDir    string
		asJSON     bool
	)
	fs.StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	fs.StringVar(&dataDir, "data-dir", "", "Override the storage root")
	fs.BoolVar(&asJSON, "json", false, "Print the raw envelope instead of the report")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	engine, err := buildEngine(ctx, configPath, dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "aaviondb: %v\n", err)
		return 1
	}
	defer engine.Close(ctx)

	resp := engine.Diagnostics(ctx)
	if asJSON {
		writeResponse(stdout, resp, false)
		if resp.IsError() {
			return 1
		}
	}

	var report struct {
		OK     bool `json:"ok"`
		Checks []struct {
			Name   string `json:"name"`
			OK     bool   `json:"ok"`
			Detail string `json:"detail,omitempty"`
		} `json:"checks"`
	}
	raw, merr := json.Marshal(resp.Data)
	if merr != nil || json.Unmarshal(raw, &report) != nil {
		if !asJSON {
			writeResponse(stderr, resp, false)
		}
		return 1
	}

	if !asJSON {
		fmt.Fprintf(stdout, "\nAavionDB Doctor\n")
		fmt.Fprintln(stdout, "───────────────")
		for _, c := range report.Checks {
			icon := "✅"
			if !c.OK {
				icon = "❌"
			}
			fmt.Fprintf(stdout, "  %s  %-24s %s\n", icon, c.Name, c.Detail)
		}
		if report.OK {
			fmt.Fprintln(stdout, "\nAll checks passed.")
		}
	}
	if !report.OK {
		return 1
	}
	return 0
}

func buildEngine(ctx context.Context, configPath, dataDir string) (*runtime.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return runtime.New(ctx, cfg)
}

func writeResponse(w io.Writer, resp *command.Response, compact bool) {
	var (
		raw []byte
		err error
	)
	if compact {
		raw, err = json.Marshal(resp)
	} else {
		raw, err = json.MarshalIndent(resp, "", "  ")
	}
	if err != nil {
		fmt.Fprintf(w, `{"status":"error","message":%q}`+"\n", err.Error())
		return
	}
	fmt.Fprintln(w, string(raw))
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "AavionDB %s\n", runtime.Version)
	fmt.Fprintln(w, "Self-hosted flat-file data engine for versioned JSON.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, `  aaviondb [flags] "<statement>"`)
	fmt.Fprintln(w, "  aaviondb <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintf(w, "  %-10s %s\n", "serve", "Run the HTTP/JSON API server")
	fmt.Fprintf(w, "  %-10s %s\n", "doctor", "Check storage, cache and module health")
	fmt.Fprintf(w, "  %-10s %s\n", "version", "Print the engine version")
	fmt.Fprintf(w, "  %-10s %s\n", "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "FLAGS:")
	fmt.Fprintf(w, "  %-12s %s\n", "--config", "Path to the YAML configuration file")
	fmt.Fprintf(w, "  %-12s %s\n", "--data-dir", "Override the storage root")
	fmt.Fprintf(w, "  %-12s %s\n", "--addr", "Listen address (serve only)")
	fmt.Fprintf(w, "  %-12s %s\n", "--json", "Compact envelope output")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "STATEMENTS:")
	fmt.Fprintln(w, `  aaviondb "project create demo title=\"Demo World\""`)
	fmt.Fprintln(w, `  aaviondb "save demo hero {\"name\":\"Avira\"}"`)
	fmt.Fprintln(w, `  aaviondb "show demo hero @2"`)
	fmt.Fprintln(w, `  aaviondb "export demo --preset=website"`)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Run `aaviondb \"help\"` for the full command vocabulary.")
}
