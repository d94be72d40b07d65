// Package webhub wires the orchestration core together: bus, breakers,
// orchestrator, agent lifecycle, task archive, and the observability
// surface.
package webhub

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bsvalues/BCBSWebhub/internal/breaker"
	"github.com/bsvalues/BCBSWebhub/internal/bus"
	"github.com/bsvalues/BCBSWebhub/internal/history"
	"github.com/bsvalues/BCBSWebhub/internal/lifecycle"
	"github.com/bsvalues/BCBSWebhub/internal/orchestrator"
	"github.com/bsvalues/BCBSWebhub/internal/resilience"
	"github.com/bsvalues/BCBSWebhub/pkg/config"
	"github.com/bsvalues/BCBSWebhub/pkg/observability"

	// Registers the built-in agent factories.
	_ "github.com/bsvalues/BCBSWebhub/internal/agents"
)

// System is a fully wired orchestration core.
type System struct {
	Config       *config.Config
	Bus          *bus.Bus
	Breakers     *breaker.Registry
	Store        history.Store
	Orchestrator *orchestrator.Orchestrator
	Manager      *lifecycle.Manager
	Harness      *resilience.Harness

	httpServer *observability.Server
}

// NewSystem builds a system from configuration. Nothing starts until
// Start is called.
func NewSystem(cfg *config.Config) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	observability.InitMetrics()

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	b := bus.New(cfg.Bus.AuditLogSize)
	breakers := breaker.NewRegistry(cfg.Breaker)
	orch := orchestrator.New(b, breakers, orchestrator.Options{
		Routing:             cfg.Routing,
		StatusSweepSchedule: cfg.StatusSweep,
		Store:               store,
	})
	manager := lifecycle.NewManager(b, orch)
	for _, def := range cfg.Agents {
		err := manager.RegisterAgent(lifecycle.AgentConfig{
			Def:                 def,
			HealthCheckInterval: cfg.Lifecycle.HealthCheckInterval,
			RetryDelay:          cfg.Lifecycle.RetryDelay,
			MaxRetries:          cfg.Lifecycle.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("register agent %s: %w", def.Name, err)
		}
	}

	checker := observability.NewHealthChecker()
	checker.RegisterCheck(observability.PingCheck())
	checker.RegisterCheck(observability.ComponentCheck("orchestrator", true, orch.Healthy))

	return &System{
		Config:       cfg,
		Bus:          b,
		Breakers:     breakers,
		Store:        store,
		Orchestrator: orch,
		Manager:      manager,
		Harness:      resilience.NewHarness(orch, manager, breakers),
		httpServer:   observability.NewServer(cfg.HTTPPort, checker),
	}, nil
}

func newStore(cfg *config.Config) (history.Store, error) {
	switch cfg.History.Backend {
	case "redis":
		store, err := history.NewRedisStore(cfg.History.Redis)
		if err != nil {
			return nil, fmt.Errorf("history backend: %w", err)
		}
		return store, nil
	default:
		return history.NewMemoryStore(), nil
	}
}

// Start brings the core up: orchestrator, agents, HTTP surface.
func (s *System) Start(ctx context.Context) error {
	if err := observability.InitTracingFromEnv(); err != nil {
		log.Printf("[WEBHUB] tracing disabled: %v", err)
	}

	if err := s.Orchestrator.Start(ctx); err != nil {
		return err
	}
	if err := s.Manager.StartAll(ctx); err != nil {
		return err
	}

	go func() {
		if err := s.httpServer.Start(); err != nil {
			log.Printf("[WEBHUB] http server: %v", err)
		}
	}()

	log.Printf("[WEBHUB] core started (http=:%d agents=%d)", s.Config.HTTPPort, len(s.Config.Agents))
	return nil
}

// Stop shuts the core down in reverse order of startup.
func (s *System) Stop(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.httpServer.Shutdown(ctx))
	record(s.Manager.Shutdown(ctx))
	record(s.Orchestrator.Stop(ctx))
	s.Breakers.Close()
	record(s.Store.Close())
	record(observability.ShutdownTracing(ctx))

	log.Printf("[WEBHUB] core stopped")
	return firstErr
}

// Run starts the core from a config file and blocks until SIGINT/SIGTERM.
func Run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(cfg)
}

// RunWithConfig starts the core from the given configuration and blocks
// until SIGINT/SIGTERM.
func RunWithConfig(cfg *config.Config) error {
	sys, err := NewSystem(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sys.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	return sys.Stop(context.Background())
}
