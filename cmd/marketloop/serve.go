package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketloop/marketloop/internal/config"
	"github.com/marketloop/marketloop/internal/events"
	"github.com/marketloop/marketloop/internal/httpapi"
	"github.com/marketloop/marketloop/internal/orchestrator"
	"github.com/marketloop/marketloop/internal/queue"
	"github.com/marketloop/marketloop/internal/store"
	"github.com/marketloop/marketloop/internal/workflow"
	"github.com/marketloop/marketloop/pkg/models"
)

var serveStubExecutors bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine and HTTP API",
	Long: `Start the engine: open the task store, begin consuming the dispatch
queues, load workflow definitions, and serve the HTTP API until interrupted.

Executor handlers are registered by the embedding platform. With
--stub-executors, a built-in echo executor answers every (agent, task) pair;
useful for exercising queues, approvals, and workflows end to end without
real agents.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveStubExecutors, "stub-executors", false,
		"Register built-in echo executors for every agent type")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = store.DefaultDBPath()
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	log.Printf("[serve] store ready at %s", dbPath)

	logger, err := orchestrator.NewDebugLogger(cfg.Logging.DebugLog)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defer logger.Close()

	sink := events.LogSink{}

	keys := make([]string, 0, len(models.AgentTypes()))
	for _, a := range models.AgentTypes() {
		keys = append(keys, string(a))
	}
	dispatcher := queue.New(keys, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		Sink:        sink,
	})

	registry := queue.NewRegistry()
	if serveStubExecutors {
		registerStubExecutors(registry)
		log.Printf("[serve] stub executors active; task results are echoes")
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:    db,
		Queue:    dispatcher,
		Registry: registry,
		Sink:     sink,
		Logger:   logger,
	})
	if err := orch.StartWorkers(cfg.Queue.Concurrency); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	library := workflow.NewLibrary()
	var watcher *workflow.Watcher
	if cfg.Workflows.Dir != "" {
		if err := library.LoadDir(cfg.Workflows.Dir); err != nil {
			log.Printf("[serve] some workflow definitions failed to load: %v", err)
		}
		log.Printf("[serve] loaded %d workflow definitions from %s", len(library.List()), cfg.Workflows.Dir)

		if cfg.Workflows.Watch {
			watcher, err = workflow.NewWatcher(cfg.Workflows.Dir, library)
			if err != nil {
				return fmt.Errorf("watch workflows dir: %w", err)
			}
			watcher.Start()
			defer watcher.Stop()
		}
	}

	engine := workflow.NewEngine(workflow.Config{
		Orchestrator: orch,
		Runs:         db,
		Library:      library,
		Sink:         sink,
		Logger:       logger,
		StepTimeout:  cfg.Engine.StepTimeout,
	})

	e := httpapi.NewServer(orch, engine, library).Echo()
	go func() {
		if err := e.Start(cfg.HTTP.Addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[serve] http server: %v", err)
		}
	}()
	log.Printf("[serve] listening on %s", cfg.HTTP.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("[serve] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("[serve] http shutdown: %v", err)
	}

	// Runs checkpoint after every step; cancelling here lets them resume
	// from the store on the next start.
	engine.Stop()
	dispatcher.Stop()
	return nil
}

// registerStubExecutors wires an echo handler for every agent type. The
// handler reflects the payload back as the result.
func registerStubExecutors(registry *queue.Registry) {
	for _, agent := range models.AgentTypes() {
		registry.Register(agent, queue.WildcardTaskType,
			func(_ context.Context, _, _, taskType string, payload map[string]any) (map[string]any, error) {
				result := map[string]any{"stub": true, "task_type": taskType}
				for k, v := range payload {
					result[k] = v
				}
				return result, nil
			})
	}
}
