package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/api"
	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/decompose"
	"github.com/loomctl/loom/pkg/dispatch"
	"github.com/loomctl/loom/pkg/evaluate"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/log"
	"github.com/loomctl/loom/pkg/orchestrator"
	"github.com/loomctl/loom/pkg/registry"
	"github.com/loomctl/loom/pkg/scheduler"
	"github.com/loomctl/loom/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - task orchestrator for AI tool fleets",
	Long: `Loom decomposes human tasks into subtask graphs, schedules them
across a fleet of AI tool workers, evaluates and peer-reviews the
results, and pauses at human checkpoints along the way.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Loom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8420", "Loom server address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(checkpointCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Loom control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
			cfg.ListenAddr = addr
		}
		if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
			cfg.DataDir = dir
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("serve")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		guarded := storage.NewBreakerStore(store)

		broker := events.NewBroker(cfg.EventReplaySize)
		broker.Start()

		reg := registry.New(guarded, broker, cfg.HeartbeatLossWindow, cfg.MaxSubtasksPerWorker)
		hub := dispatch.NewHub(reg)
		sched := scheduler.New(guarded, reg, hub, broker, scheduler.Config{
			RetryBaseDelay:     cfg.RetryBaseDelay,
			RetryMaxDelay:      cfg.RetryMaxDelay,
			RetryMaxAttempts:   cfg.RetryMaxAttempts,
			DispatchAckTimeout: cfg.DispatchAckTimeout,
			SubtaskTimeout:     cfg.SubtaskTimeout,
		})
		reg.SetAvailableHook(sched.Kick)
		reg.SetOfflineHook(sched.OnWorkerLost)

		var llm decompose.Client
		if os.Getenv("ANTHROPIC_API_KEY") != "" {
			llm = decompose.NewAnthropicClient(cfg.LLMModel)
		} else {
			logger.Warn().Msg("ANTHROPIC_API_KEY not set, decomposition falls back to templates")
		}
		decomposer := decompose.New(llm, cfg.LLMTimeout)

		evaluator, err := evaluate.NewDefault(cfg.EvaluatorWeights, cfg.EvaluatorTimeout)
		if err != nil {
			return err
		}

		orch := orchestrator.New(cfg, guarded, broker, reg, sched, decomposer, evaluator)
		hub.SetResultHandler(orch)

		orch.Start()
		sched.Start()
		reg.Start()

		server := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: api.NewServer(orch, reg, guarded, broker, hub).Router(),
		}
		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		logger.Info().Str("addr", cfg.ListenAddr).Msg("loom server started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("api server failed")
		}

		// Shutdown in reverse construction order
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
		hub.Close()
		reg.Stop()
		sched.Stop()
		orch.Stop()
		broker.Stop()
		if err := store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("listen-addr", "", "Listen address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
}
