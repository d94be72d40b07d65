// Package lifecycle runs agents: construction via the factory registry,
// supervised startup with bounded retries, periodic health checks, and
// automatic restart of agents that land in the error state.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bsvalues/BCBSWebhub/internal/agent"
	"github.com/bsvalues/BCBSWebhub/internal/bus"
	"github.com/bsvalues/BCBSWebhub/internal/orchestrator"
	"github.com/bsvalues/BCBSWebhub/pkg/observability"
)

// AgentConfig describes one managed agent. Zero durations and counts take
// defaults.
type AgentConfig struct {
	Def agent.Def

	// HealthCheckInterval is how often the manager polls the agent
	// (default 10s).
	HealthCheckInterval time.Duration

	// RetryDelay separates restart attempts (default 5s).
	RetryDelay time.Duration

	// MaxRetries bounds restart attempts per failure episode (default 3).
	// A successful health check resets the episode.
	MaxRetries int
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// failuresBeforeRestart is how many consecutive failed health checks an
// agent gets before the manager restarts it.
const failuresBeforeRestart = 3

// HealthRecord is the manager's view of one agent's health.
type HealthRecord struct {
	AgentID             string      `json:"agentId"`
	AgentType           string      `json:"agentType"`
	Healthy             bool        `json:"healthy"`
	State               agent.State `json:"state"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	RestartAttempts     int         `json:"restartAttempts"`
	LastChecked         time.Time   `json:"lastChecked"`
}

type managed struct {
	cfg     AgentConfig
	handle  agent.Agent
	health  HealthRecord
	stopped bool // StopAgent was called; do not restart
}

// Manager supervises a set of agents.
// All exported methods are safe for concurrent use.
type Manager struct {
	bus  *bus.Bus
	orch *orchestrator.Orchestrator

	mu     sync.Mutex
	agents map[string]*managed // by agent name
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. The orchestrator may be nil; when present,
// started agents are registered with it and stopped agents unregistered.
func NewManager(b *bus.Bus, orch *orchestrator.Orchestrator) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		bus:    b,
		orch:   orch,
		agents: make(map[string]*managed),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RegisterAgent records the agent configuration without starting it.
func (m *Manager) RegisterAgent(cfg AgentConfig) error {
	cfg = cfg.withDefaults()
	if cfg.Def.Name == "" || cfg.Def.Type == "" {
		return fmt.Errorf("agent definition needs name and type")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[cfg.Def.Name]; ok {
		return fmt.Errorf("agent %q already registered", cfg.Def.Name)
	}
	m.agents[cfg.Def.Name] = &managed{
		cfg: cfg,
		health: HealthRecord{
			AgentID:   cfg.Def.Name,
			AgentType: cfg.Def.Type,
			State:     agent.StateOffline,
		},
	}
	return nil
}

// StartAgent constructs and initializes the named agent. Initialization
// failures are retried in the background up to MaxRetries.
func (m *Manager) StartAgent(ctx context.Context, name string) error {
	m.mu.Lock()
	mg, ok := m.agents[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent %q not registered", name)
	}
	mg.stopped = false
	m.mu.Unlock()

	if err := m.startOnce(ctx, mg); err != nil {
		log.Printf("[LIFECYCLE] start %s failed, scheduling retry: %v", name, err)
		m.scheduleRetry(name, 1)
		return err
	}

	m.wg.Add(1)
	go m.watch(name)
	return nil
}

// StartAll starts every registered agent. The first error is returned but
// remaining agents still start.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	m.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := m.StartAgent(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// startOnce builds the agent via the factory registry and initializes it.
func (m *Manager) startOnce(ctx context.Context, mg *managed) error {
	a, err := agent.Create(mg.cfg.Def, m.bus)
	if err != nil {
		return fmt.Errorf("create agent %s: %w", mg.cfg.Def.Name, err)
	}
	if err := a.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize agent %s: %w", mg.cfg.Def.Name, err)
	}

	m.mu.Lock()
	mg.handle = a
	mg.health.Healthy = true
	mg.health.State = a.State()
	mg.health.ConsecutiveFailures = 0
	mg.health.LastChecked = time.Now()
	m.mu.Unlock()

	if m.orch != nil {
		m.orch.RegisterAgent(a)
	}
	log.Printf("[LIFECYCLE] agent %s started (type=%s)", a.ID(), a.Type())
	return nil
}

// scheduleRetry arms a delayed start attempt. attempt counts from 1.
func (m *Manager) scheduleRetry(name string, attempt int) {
	m.mu.Lock()
	mg, ok := m.agents[name]
	if !ok || mg.stopped {
		m.mu.Unlock()
		return
	}
	if attempt > mg.cfg.MaxRetries {
		mg.health.Healthy = false
		mg.health.State = agent.StateError
		m.mu.Unlock()
		log.Printf("[LIFECYCLE] agent %s: retries exhausted after %d attempts", name, attempt-1)
		return
	}
	mg.health.RestartAttempts++
	delay := mg.cfg.RetryDelay
	m.mu.Unlock()

	time.AfterFunc(delay, func() {
		defer recoverPanic("retry " + name)

		m.mu.Lock()
		mg, ok := m.agents[name]
		if !ok || mg.stopped {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if err := m.startOnce(m.ctx, mg); err != nil {
			log.Printf("[LIFECYCLE] retry %d for %s failed: %v", attempt, name, err)
			m.scheduleRetry(name, attempt+1)
			return
		}
		m.wg.Add(1)
		go m.watch(name)
	})
	observability.RecordAgentRestart(name)
}

// watch polls the agent until it is stopped or the manager shuts down.
func (m *Manager) watch(name string) {
	defer m.wg.Done()
	defer recoverPanic("watch " + name)

	m.mu.Lock()
	mg, ok := m.agents[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	interval := mg.cfg.HealthCheckInterval
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.checkOnce(name) {
			return
		}
	}
}

// checkOnce runs one health check. It reports whether the watch loop should
// continue; false means the agent was stopped or handed to a restart.
func (m *Manager) checkOnce(name string) bool {
	m.mu.Lock()
	mg, ok := m.agents[name]
	if !ok || mg.stopped || mg.handle == nil {
		m.mu.Unlock()
		return false
	}
	handle := mg.handle
	m.mu.Unlock()

	report := handle.Status()
	healthy := report.State != agent.StateError && report.State != agent.StateOffline

	m.mu.Lock()
	mg.health.State = report.State
	mg.health.LastChecked = time.Now()
	if healthy {
		mg.health.Healthy = true
		mg.health.ConsecutiveFailures = 0
		m.mu.Unlock()
		return true
	}
	mg.health.Healthy = false
	mg.health.ConsecutiveFailures++
	failures := mg.health.ConsecutiveFailures
	m.mu.Unlock()

	log.Printf("[LIFECYCLE] agent %s unhealthy (state=%s, consecutive=%d)", name, report.State, failures)
	if failures < failuresBeforeRestart {
		return true
	}

	m.restart(name, handle)
	return false
}

// restart tears the agent down and schedules a fresh start.
func (m *Manager) restart(name string, handle agent.Agent) {
	log.Printf("[LIFECYCLE] restarting agent %s", name)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := handle.Shutdown(shutdownCtx); err != nil {
		log.Printf("[LIFECYCLE] shutdown of %s during restart: %v", name, err)
	}
	cancel()

	m.mu.Lock()
	if mg, ok := m.agents[name]; ok {
		mg.handle = nil
		mg.health.ConsecutiveFailures = 0
	}
	m.mu.Unlock()

	m.scheduleRetry(name, 1)
}

// StopAgent shuts the named agent down and disables its supervision.
func (m *Manager) StopAgent(ctx context.Context, name string) error {
	m.mu.Lock()
	mg, ok := m.agents[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent %q not registered", name)
	}
	mg.stopped = true
	handle := mg.handle
	mg.handle = nil
	agentType := mg.cfg.Def.Type
	mg.health.Healthy = false
	mg.health.State = agent.StateOffline
	m.mu.Unlock()

	if m.orch != nil {
		_ = m.orch.UnregisterAgent(agentType)
	}
	if handle == nil {
		return nil
	}
	return handle.Shutdown(ctx)
}

// Shutdown stops supervision and all agents.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	m.mu.Lock()
	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	m.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := m.StopAgent(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.wg.Wait()
	return firstErr
}

// Health returns health records for all managed agents.
func (m *Manager) Health() map[string]HealthRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]HealthRecord, len(m.agents))
	for name, mg := range m.agents {
		out[name] = mg.health
	}
	return out
}

// HealthOf returns the record for one agent.
func (m *Manager) HealthOf(name string) (HealthRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.agents[name]
	if !ok {
		return HealthRecord{}, false
	}
	return mg.health, true
}

// Agent returns the live handle for a managed agent, if running.
func (m *Manager) Agent(name string) (agent.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.agents[name]
	if !ok || mg.handle == nil {
		return nil, false
	}
	return mg.handle, true
}

// recoverPanic keeps supervision goroutines alive. A panic in one agent's
// watcher never takes the manager down.
func recoverPanic(where string) {
	if r := recover(); r != nil {
		log.Printf("[LIFECYCLE] recovered panic in %s: %v", where, r)
	}
}
