// Package agent implements the device-farm agent: it keeps the control
// connection to the server and runs the commands it receives.
package agent

import (
	"context"
	"fmt"

	"github.com/devfarm/farm-agent/internal/api"
	"github.com/devfarm/farm-agent/internal/automation"
	"github.com/devfarm/farm-agent/internal/bridge"
	"github.com/devfarm/farm-agent/internal/config"
	"github.com/devfarm/farm-agent/internal/hub"
	"github.com/devfarm/farm-agent/internal/metrics"
	"github.com/devfarm/farm-agent/internal/protocol"
	"github.com/devfarm/farm-agent/internal/state"
	"github.com/devfarm/farm-agent/internal/suite"
	"github.com/devfarm/farm-agent/internal/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Version is the agent version, set at build time with -ldflags.
var Version = "1.0.0"

// Deps overrides the collaborators New would build from config.
// Zero fields get the defaults.
type Deps struct {
	Bridges  bridge.Set
	Hub      hub.Controller
	Drivers  automation.Drivers
	Sessions *automation.Sessions
	Engine   suite.Engine
	Registry *prometheus.Registry
	// ListenAddr is the local API address; defaults to ":<port>".
	// "-" disables the API.
	ListenAddr string
}

// Agent is the main agent struct that coordinates all components.
type Agent struct {
	cfg    *config.Config
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	store      *state.Store
	registry   *tasks.Registry
	sessions   *automation.Sessions
	bridges    bridge.Set
	hub        hub.Controller
	metrics    *metrics.Metrics
	dispatcher *Dispatcher
	supervisor *Supervisor
	api        *api.Server
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, log zerolog.Logger, deps Deps) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:    cfg,
		log:    log.With().Str("component", "agent").Logger(),
		ctx:    ctx,
		cancel: cancel,
		store:  state.NewStore(log),
	}

	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	a.metrics = metrics.MustNewMetrics(reg)
	a.registry = tasks.NewRegistry(log)
	a.metrics.TrackActiveTasks(a.registry.Len)

	a.sessions = deps.Sessions
	if a.sessions == nil {
		a.sessions = automation.NewSessions()
	}
	a.bridges = deps.Bridges
	if a.bridges == nil {
		a.bridges = defaultBridges(cfg, log)
	}
	a.hub = deps.Hub
	if a.hub == nil {
		a.hub = defaultHub(cfg, log)
	}
	engine := deps.Engine
	if engine == nil {
		engine = suite.NewLocalEngine(a.registry, a.store, deps.Drivers, log)
	}

	a.supervisor = NewSupervisor(cfg.AgentURL(), cfg.ReconnectInterval, a, a.metrics, log)
	a.dispatcher = NewDispatcher(ctx, log, a.metrics)

	h := &handlers{
		log:      log.With().Str("component", "handlers").Logger(),
		host:     cfg.Host,
		port:     cfg.Port,
		version:  Version,
		store:    a.store,
		registry: a.registry,
		sessions: a.sessions,
		bridges:  a.bridges,
		hub:      a.hub,
		engine:   engine,
		listener: suite.NewReportListener(a.store),
		conn:     a.supervisor,
		shutdown: a.Shutdown,
	}
	h.register(a.dispatcher)

	addr := deps.ListenAddr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}
	if addr != "-" {
		a.api = api.New(addr, a, reg, log)
	}

	return a
}

func defaultBridges(cfg *config.Config, log zerolog.Logger) bridge.Set {
	var bs []bridge.Bridge
	if cfg.AndroidEnabled {
		bs = append(bs, bridge.NewADB(cfg.ADBPath, bridge.ExecRunner, log))
	}
	if cfg.IOSEnabled {
		bs = append(bs, bridge.NewSIB(cfg.SIBPath, bridge.ExecRunner, log))
	}
	return bridge.NewSet(bs...)
}

func defaultHub(cfg *config.Config, log zerolog.Logger) hub.Controller {
	if cfg.HubURL == "" {
		return hub.Nop{}
	}
	return hub.NewHTTP(cfg.HubURL, log)
}

// Run starts the agent and blocks until shutdown.
func (a *Agent) Run() error {
	a.log.Info().
		Str("host", a.cfg.Host).
		Int("port", a.cfg.Port).
		Str("server", a.cfg.ServerURL).
		Bool("android", a.cfg.AndroidEnabled).
		Bool("ios", a.cfg.IOSEnabled).
		Str("version", Version).
		Msg("starting agent")

	if h, ok := a.hub.(*hub.HTTP); ok {
		h.Probe(a.ctx)
	}

	g, ctx := errgroup.WithContext(a.ctx)
	g.Go(func() error {
		return a.supervisor.Run(ctx)
	})
	if a.api != nil {
		g.Go(func() error {
			return a.api.Run(ctx)
		})
	}
	err := g.Wait()

	a.cancel()
	if n := a.registry.CancelAll(); n > 0 {
		a.log.Info().Int("tasks", n).Msg("cancelled running tasks")
	}
	a.dispatcher.Wait()

	a.log.Info().Msg("agent stopped")
	return err
}

// Shutdown initiates graceful shutdown.
func (a *Agent) Shutdown() {
	a.log.Info().Msg("shutting down")
	a.cancel()
	if err := a.supervisor.Close(); err != nil {
		a.log.Debug().Err(err).Msg("error closing connection")
	}
}

// OnOpen is called when the control connection opens.
func (a *Agent) OnOpen() {
	a.log.Info().Msg("connected to server, awaiting auth")
}

// OnMessage is called for each inbound frame.
func (a *Agent) OnMessage(data []byte, from state.Sender) {
	a.dispatcher.Dispatch(data, from)
}

// OnClose is called when the control connection closes.
func (a *Agent) OnClose(from state.Sender, code int, reason string, wasAuthenticated bool) {
	if a.store.Unbind(from) {
		a.log.Debug().Msg("identity cleared")
	}

	ev := a.log.Warn().Int("code", code).Str("reason", reason)
	if wasAuthenticated {
		ev.Dur("retry_in", a.cfg.ReconnectInterval).Msg("connection lost, will reconnect")
		return
	}
	ev.Msg("connection closed")
}

// OnError is called when the connection fails.
func (a *Agent) OnError(err error) {
	a.log.Error().Err(err).Msg("connection error")
}

// Store returns the identity and status store.
func (a *Agent) Store() *state.Store {
	return a.store
}

// TaskRegistry returns the task registry.
func (a *Agent) TaskRegistry() *tasks.Registry {
	return a.registry
}

// Sessions returns the step-debug session registry.
func (a *Agent) Sessions() *automation.Sessions {
	return a.sessions
}

// State returns the control connection state.
func (a *Agent) State() ConnState {
	return a.supervisor.State()
}

// Health implements api.Backend.
func (a *Agent) Health() api.Health {
	h := api.Health{
		State:         a.supervisor.State().String(),
		Authenticated: a.store.Authenticated(),
		Version:       Version,
	}
	if id, ok := a.store.Identity(); ok {
		h.AgentID = id.AgentID
	}
	return h
}

// Devices implements api.Backend.
func (a *Agent) Devices() map[string]map[string]string {
	out := make(map[string]map[string]string, len(protocol.Platforms))
	for _, pf := range protocol.Platforms {
		out[pf.String()] = a.store.Statuses(pf)
	}
	return out
}

// Tasks implements api.Backend.
func (a *Agent) Tasks() []tasks.Info {
	return a.registry.List()
}

// Task implements api.Backend.
func (a *Agent) Task(id string) (tasks.Info, bool) {
	h, ok := a.registry.Get(id)
	if !ok {
		return tasks.Info{}, false
	}
	return h.Info(), true
}

// CancelTask implements api.Backend.
func (a *Agent) CancelTask(id string) bool {
	return a.registry.CancelID(id)
}

// CancelSession implements api.Backend.
func (a *Agent) CancelSession(sessionID string) int {
	return a.registry.CancelSession(sessionID)
}
