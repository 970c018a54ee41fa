// Package cli implements the command-line interface for replica.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kilupskalvis/replica/internal/config"
	"github.com/kilupskalvis/replica/internal/datastore"
	"github.com/kilupskalvis/replica/internal/store"
	"github.com/spf13/cobra"
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Data   *datastore.DataStore
	Logger *slog.Logger
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Data != nil {
		c.Data.Close()
	}
}

// initContext loads the project config and opens the local store with the
// declared schema.
func initContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		exitError("invalid config: %v", err)
	}

	logger := newLogger(
		firstNonEmpty(logLevel, cfg.Log.Level),
		firstNonEmpty(logFormat, cfg.Log.Format),
	)
	slog.SetDefault(logger)

	schema, err := cfg.Schema()
	if err != nil {
		exitError("failed to load schema: %v", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		exitError("failed to open store: %v", err)
	}

	ds, err := datastore.New(st, schema, logger)
	if err != nil {
		st.Close()
		exitError("invalid schema: %v", err)
	}

	return &cmdContext{Config: cfg, Data: ds, Logger: logger}
}

func openStore(cfg *config.Config) (store.LocalStore, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return store.NewSQLite(cfg.DatabasePath())
	default:
		return store.NewBolt(cfg.DatabasePath())
	}
}

// collections returns the named collections, or all of them when names is empty.
func (c *cmdContext) collections(names []string) []*datastore.Collection {
	if len(names) == 0 {
		return c.Data.Collections()
	}
	out := make([]*datastore.Collection, 0, len(names))
	for _, name := range names {
		col, err := c.Data.Collection(name)
		if err != nil {
			exitError("%v", err)
		}
		out = append(out, col)
	}
	return out
}

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "replica",
	Short: "Offline-first GraphQL replication",
	Long: `Replica keeps a local record store in sync with a GraphQL backend.
Local writes are queued and pushed when the backend is reachable, server
changes are pulled as deltas, and attachments are uploaded to an object store.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", os.Getenv("REPLICA_LOG_LEVEL"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", os.Getenv("REPLICA_LOG_FORMAT"), "Log format (json, text)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(saveCmd)
}

// newLogger builds the process logger. Logs go to stderr so command output
// stays clean.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
