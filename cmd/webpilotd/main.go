// Command webpilotd serves the browser automation subsystem to a host
// shell over newline-delimited JSON-RPC 2.0 on stdio: requests arrive
// on stdin, responses and notifications leave on stdout, logs and the
// startup banner go to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/webpilot/webpilot/config"
	"github.com/webpilot/webpilot/log"
	"github.com/webpilot/webpilot/sidecar"
)

// version is stamped by the build.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "webpilotd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// A panic would leave spawned engine processes orphaned; reap them
	// before dying.
	defer func() {
		if r := recover(); r != nil {
			sidecar.ForceShutdown()
			panic(r)
		}
	}()

	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger, version)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	banner(a, configPath)

	srv := newServer(os.Stdout, a.methods(), logger)
	a.start(ctx, srv)

	err = srv.serve(ctx, os.Stdin)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildLogger(cfg *config.Config) (*log.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}
	l.SetLevel(lvl)

	var filter *regexp.Regexp
	if cfg.Log.CategoryFilter != "" {
		filter, err = regexp.Compile(cfg.Log.CategoryFilter)
		if err != nil {
			return nil, fmt.Errorf("invalid log category filter %q: %w", cfg.Log.CategoryFilter, err)
		}
	}
	return log.New(l, lvl > logrus.InfoLevel, filter), nil
}

// banner prints a startup summary for the human on the other side of
// the terminal. Protocol frames own stdout, so this goes to stderr.
func banner(a *app, configPath string) {
	head := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)
	head.Fprintf(color.Error, "webpilotd %s\n", a.version)
	dim.Fprintf(color.Error, "  backend     %s\n", a.backend)
	dim.Fprintf(color.Error, "  trace root  %s\n", a.cfg.Trace.Root)
	if configPath != "" {
		dim.Fprintf(color.Error, "  config      %s\n", configPath)
	}
	dim.Fprintln(color.Error, "  ready on stdio")
}
