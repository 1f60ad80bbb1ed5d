package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/studio/internal/config"
	"github.com/mpataki/studio/internal/logging"
	"github.com/mpataki/studio/internal/orchestrator"
	"github.com/mpataki/studio/internal/server"
	"github.com/mpataki/studio/internal/storage"
	"github.com/mpataki/studio/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "studio",
		Short:         "Local run and approval control plane",
		Long:          "Studio launches pipeline workers against local repositories, follows their progress, and brokers their approval requests.",
		RunE:          runTUI,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("root", "", "Repository root (default: default_root from config, else the working directory)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: $STUDIO_DATA_DIR/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newTUICommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newApprovalsCommand())
	rootCmd.AddCommand(newDecideCommand())
	rootCmd.AddCommand(newAutoApproveCommand())
	rootCmd.AddCommand(newEnqueueCommand())
	rootCmd.AddCommand(newJobsCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newAllowCommand())
	rootCmd.AddCommand(newBackupCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is everything a command needs, opened from the global flags.
type app struct {
	cfg    *config.Config
	store  *storage.Storage
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
	root   string
}

func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if cfg, err = config.Load(cfg.DataDir, path); err != nil {
			return nil, err
		}
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	logger := logging.New(os.Stderr, cfg.LogLevel)
	root, _ := cmd.Flags().GetString("root")
	if root == "" {
		root = cfg.ComputedDefaultRoot()
	}

	return &app{
		cfg:    cfg,
		store:  store,
		orch:   orchestrator.New(cfg, store, orchestrator.Options{Logger: logger}),
		logger: logger,
		root:   root,
	}, nil
}

func (a *app) Close() {
	a.orch.Close()
	a.store.Close()
}

// startQueue resumes the job queue of the selected root, if it is allowed.
func (a *app) startQueue() {
	resolved, err := a.orch.ResolveRoot(a.root)
	if err != nil {
		a.logger.Warn("job queue not started", "root", a.root, "err", err)
		return
	}
	a.orch.EnsureQueue(resolved)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runTUI(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.orch.ResolveRoot(a.root); err != nil {
		return err
	}
	a.startQueue()

	p := tea.NewProgram(tui.NewApp(a.orch, a.root), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func newTUICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive run browser",
		Args:  cobra.NoArgs,
		RunE:  runTUI,
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			a.startQueue()
			srv := server.New(a.orch, addr, a.logger)

			ctx, stop := signalContext()
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default: server.addr from config)")
	return cmd
}
