package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/hifadhi/internal/config"
	"github.com/jkaninda/hifadhi/internal/engine"
	"github.com/jkaninda/hifadhi/internal/plugin"
)

var (
	runConfigPath   string
	runVerbose      bool
	runAllowPrivate bool
)

var runCmd = &cobra.Command{
	Use:   "run <plugin.lua>",
	Short: "Execute a plugin file once and print the run outcome as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to config file (optional)")
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false, "log run events to stderr")
	runCmd.Flags().BoolVar(&runAllowPrivate, "allow-private-ips", false, "permit plugin HTTP requests to private addresses")
}

// runOnce executes a plugin from a local file without the server, useful
// for plugin development and CI checks.
func runOnce(cmd *cobra.Command, args []string) error {
	level := slog.LevelWarn
	if runVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	if runConfigPath != "" {
		loaded, err := config.Load(runConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if runAllowPrivate {
		cfg.Engine.AllowPrivateIPs = true
	}

	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading plugin file: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	p := &plugin.Plugin{
		ID:     uuid.New(),
		Name:   name,
		Source: string(source),
	}

	orch := engine.NewOrchestrator(engineConfig(cfg), nil, logger)

	var sink func(engine.Event)
	if runVerbose {
		sink = func(ev engine.Event) {
			if ev.Type == engine.EventItem && ev.Item != nil {
				logger.Info("item",
					slog.String("item_id", ev.Item.ItemID),
					slog.String("status", string(ev.Item.Status)),
					slog.String("reason", ev.Item.Reason),
				)
				return
			}
			logger.Info("phase", slog.String("phase", string(ev.Phase)))
		}
	}

	run := orch.Execute(cmd.Context(), p, uuid.New(), sink)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return err
	}

	if run.Status == plugin.RunFailed {
		return fmt.Errorf("run failed: %s", run.Fault)
	}
	return nil
}
