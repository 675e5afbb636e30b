package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sophialabs/kbeconsole/internal/app"
)

func main() {
	cfg := app.DefaultConfig()
	flag.StringVar(&cfg.SettingsFile, "settings", cfg.SettingsFile, "YAML file with the machines discovery settings")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.IntVar(&cfg.ProbeLogSize, "probe-log-size", cfg.ProbeLogSize, "number of probe log entries to keep")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flag.DurationVar(&cfg.WatcherDebounce, "watch-debounce", cfg.WatcherDebounce, "delay before applying a settings file change")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	flag.Parse()

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}

	if err := a.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
