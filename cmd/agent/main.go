package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/storage"
)

var version = "dev"

type rootOptions struct {
	envFile        string
	verbose        bool
	session        string
	sessionBackend string
	sessionDir     string
	redisAddr      string

	level *slog.LevelVar
}

func main() {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:     "mapcamera-watch",
		Short:   "Watch the MapCamera item search and forward eligible listings",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(opts.envFile); err != nil {
				return err
			}
			logger, level := newLogger(opts.verbose)
			slog.SetDefault(logger)
			slog.SetLogLoggerLevel(level.Level())
			opts.level = level
			return nil
		},
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before MCW_* variables are read")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")
	flags.StringVar(&opts.session, "session", "", "Session id (defaults to MCW_SESSION_ID, or a new id for run)")
	flags.StringVar(&opts.sessionBackend, "session-backend", "", "Session store: file, redis, or memory")
	flags.StringVar(&opts.sessionDir, "session-dir", "", "Directory of file-backed sessions")
	flags.StringVar(&opts.redisAddr, "redis-addr", "", "Redis address for the redis session store")

	rootCmd.AddCommand(newRunCmd(opts), newStateCmd(opts), newInspectCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers defaults, MCW_* variables and the persistent flags.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if o.verbose {
		cfg.Verbose = true
	}
	if cfg.Verbose && o.level != nil {
		o.level.Set(slog.LevelDebug)
	}
	if o.session != "" {
		cfg.SessionID = o.session
	}
	if o.sessionBackend != "" {
		cfg.SessionBackend = o.sessionBackend
	}
	if o.sessionDir != "" {
		cfg.SessionDir = o.sessionDir
	}
	if o.redisAddr != "" {
		cfg.RedisAddr = o.redisAddr
	}
	return cfg, nil
}

// openSession opens the store of an existing session; the id must be given.
func (o *rootOptions) openSession(ctx context.Context) (*config.Config, storage.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.SessionID == "" {
		return nil, nil, fmt.Errorf("a session id is required (--session or MCW_SESSION_ID)")
	}
	store, err := storage.Open(ctx, cfg, cfg.SessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("open session %q: %w", cfg.SessionID, err)
	}
	return cfg, store, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
