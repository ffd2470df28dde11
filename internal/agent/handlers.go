package agent

import (
	"context"
	"errors"
	"runtime"

	"github.com/devfarm/farm-agent/internal/automation"
	"github.com/devfarm/farm-agent/internal/bridge"
	"github.com/devfarm/farm-agent/internal/hub"
	"github.com/devfarm/farm-agent/internal/protocol"
	"github.com/devfarm/farm-agent/internal/state"
	"github.com/devfarm/farm-agent/internal/suite"
	"github.com/devfarm/farm-agent/internal/tasks"
	"github.com/rs/zerolog"
)

// authTracker is the part of the supervisor the auth handler drives.
type authTracker interface {
	SetAuthenticated(from state.Sender, ok bool)
}

// handlers holds what the command handlers act on.
type handlers struct {
	log      zerolog.Logger
	host     string
	port     int
	version  string
	store    *state.Store
	registry *tasks.Registry
	sessions *automation.Sessions
	bridges  bridge.Set
	hub      hub.Controller
	engine   suite.Engine
	listener suite.Listener
	conn     authTracker
	shutdown func()
}

func (h *handlers) register(d *Dispatcher) {
	d.Handle(protocol.TypeAuth, h.handleAuth)
	d.Handle(protocol.TypeShutdown, h.handleShutdown)
	d.Handle(protocol.TypeReboot, h.handleReboot)
	d.Handle(protocol.TypeHeartBeat, h.handleHeartBeat)
	d.Handle(protocol.TypeHub, h.handleHub)
	d.Handle(protocol.TypeRunStep, h.handleRunStep)
	d.Handle(protocol.TypeSuite, h.handleSuite)
	d.Handle(protocol.TypeForceStopSuite, h.handleForceStop)
}

func (h *handlers) handleAuth(ctx context.Context, req *Request) {
	var p protocol.AuthPayload
	if err := req.Decode(&p); err != nil {
		h.log.Warn().Err(err).Msg("invalid auth payload")
		return
	}

	if !p.Passed() {
		h.log.Error().Str("result", p.Result).Msg("authentication rejected by server")
		h.store.Unbind(req.Reply)
		h.conn.SetAuthenticated(req.Reply, false)
		return
	}

	id := state.Identity{
		AgentID:      p.ID,
		Host:         h.host,
		Port:         h.port,
		HighTemp:     p.HighTemp,
		HighTempTime: p.HighTempTime,
	}
	if !h.store.Authenticate(req.Reply, id) {
		h.log.Warn().Int("agent_id", p.ID).Msg("connection closed before auth was handled, ignoring")
		return
	}
	h.conn.SetAuthenticated(req.Reply, true)
	h.log.Info().Int("agent_id", p.ID).Msg("authenticated")

	hasHub := 0
	if h.hub.Supported() {
		hasHub = 1
	}
	req.Reply.Send(protocol.TypeAgentInfo, protocol.AgentInfoPayload{
		AgentID:    p.ID,
		Port:       h.port,
		Version:    "v" + h.version,
		SystemType: systemType(),
		Host:       h.host,
		HasHub:     hasHub,
	})

	for _, pf := range protocol.Platforms {
		b, ok := h.bridges.For(pf)
		if !ok {
			continue
		}
		devices, err := b.Devices(ctx)
		if err != nil {
			h.log.Warn().Err(err).Str("platform", pf.String()).Msg("failed to list devices")
			continue
		}
		for _, d := range devices {
			h.store.Publish(pf, d.Serial, h.reportedStatus(pf, d))
		}
	}
}

// reportedStatus prefers the cached status. Android falls back to the raw
// bridge state; every listed iOS device is online.
func (h *handlers) reportedStatus(pf protocol.Platform, d bridge.Device) string {
	if status, ok := h.store.Status(pf, d.Serial); ok {
		return status
	}
	if pf == protocol.Android {
		return d.State
	}
	return protocol.DeviceOnline
}

func (h *handlers) handleShutdown(ctx context.Context, req *Request) {
	h.log.Info().Msg("shutdown requested by server")
	if h.shutdown != nil {
		h.shutdown()
	}
}

func (h *handlers) handleReboot(ctx context.Context, req *Request) {
	var p protocol.RebootPayload
	if err := req.Decode(&p); err != nil {
		h.log.Warn().Err(err).Msg("invalid reboot payload")
		return
	}

	b, ok := h.bridges.For(p.Platform)
	if !ok {
		h.log.Debug().Int("platform", int(p.Platform)).Msg("platform not enabled, ignoring reboot")
		return
	}

	d, err := bridge.Lookup(ctx, b, p.UdID)
	switch {
	case errors.Is(err, bridge.ErrDeviceNotFound):
		h.log.Debug().Str("udid", p.UdID).Msg("device not connected, ignoring reboot")
		return
	case err != nil:
		h.log.Warn().Err(err).Str("udid", p.UdID).Msg("failed to list devices")
		return
	case !d.Online():
		h.log.Debug().Str("udid", p.UdID).Str("state", d.State).Msg("device not online, ignoring reboot")
		return
	}

	if err := b.Reboot(ctx, p.UdID); err != nil {
		h.log.Warn().Err(err).Str("udid", p.UdID).Msg("reboot failed")
		return
	}
	h.log.Info().Str("udid", p.UdID).Str("platform", p.Platform.String()).Msg("device rebooting")
	h.store.ClearStatus(p.Platform, p.UdID)
	h.store.Publish(p.Platform, p.UdID, protocol.DeviceRebooting)
}

func (h *handlers) handleHeartBeat(ctx context.Context, req *Request) {
	req.Reply.Send(protocol.TypeHeartBeat, protocol.HeartBeatPayload{Status: protocol.HeartBeatAlive})
}

func (h *handlers) handleHub(ctx context.Context, req *Request) {
	var p protocol.HubPayload
	if err := req.Decode(&p); err != nil {
		h.log.Warn().Err(err).Msg("invalid hub payload")
		return
	}
	if !h.hub.Supported() {
		h.log.Debug().Msg("no hub attached, ignoring")
		return
	}
	if err := h.hub.SetPosition(ctx, p.Position, p.Type); err != nil {
		h.log.Warn().Err(err).Int("position", p.Position).Str("type", p.Type).Msg("hub command failed")
	}
}

func (h *handlers) handleRunStep(ctx context.Context, req *Request) {
	var p protocol.RunStepPayload
	if err := req.Decode(&p); err != nil {
		h.log.Warn().Err(err).Msg("invalid runStep payload")
		return
	}

	if p.Platform == protocol.Android {
		h.store.SetPassword(p.UdID, p.Password)
	}

	session, ok := h.sessions.Get(p.Platform, p.SessionID)
	if !ok {
		h.log.Debug().Str("session", p.SessionID).Msg("session ended, ignoring runStep")
		return
	}

	session.ResetResultDetailStatus()
	session.SetGlobalParams(p.GlobalParams)

	stepReq := automation.StepRequest{
		Platform:  p.Platform,
		UdID:      p.UdID,
		SessionID: p.SessionID,
		Frame:     req.Raw(),
	}
	spec := tasks.Spec{
		Kind:      tasks.KindStep,
		Key:       tasks.Key{Platform: p.Platform, DeviceID: p.UdID},
		SessionID: p.SessionID,
	}
	_, err := h.registry.Start(ctx, spec,
		func(ctx context.Context) error {
			return session.RunSteps(ctx, stepReq)
		},
		func(err error) {
			if err != nil {
				h.log.Warn().Err(err).Str("session", p.SessionID).Msg("step run failed")
			}
			session.SendStatus()
		},
	)
	if err != nil {
		h.log.Warn().Err(err).Str("session", p.SessionID).Msg("failed to start step run")
	}
}

func (h *handlers) handleSuite(ctx context.Context, req *Request) {
	var p protocol.SuitePayload
	if err := req.Decode(&p); err != nil {
		h.log.Warn().Err(err).Msg("invalid suite payload")
		return
	}

	if !h.store.Authenticated() {
		h.log.Warn().Msg("not authenticated, ignoring suite")
		return
	}
	if _, ok := h.bridges.For(p.Platform); !ok {
		h.log.Warn().Int("platform", int(p.Platform)).Msg("platform not enabled, ignoring suite")
		return
	}

	s, err := suite.Build(p.Platform, p.Cases)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to build suite")
		return
	}
	if err := h.engine.Run(ctx, s, h.listener); err != nil {
		h.log.Warn().Err(err).Str("suite", s.ID).Msg("suite aborted")
	}
}

func (h *handlers) handleForceStop(ctx context.Context, req *Request) {
	var p protocol.ForceStopPayload
	if err := req.Decode(&p); err != nil {
		h.log.Warn().Err(err).Msg("invalid forceStopSuite payload")
		return
	}

	signalled := 0
	for _, c := range p.Cases {
		for _, d := range c.Devices {
			signalled += h.registry.Cancel(p.Platform, c.ResultID, c.CaseID, d.UdID)
		}
	}
	h.log.Info().Int("cases", len(p.Cases)).Int("signalled", signalled).Msg("force stop handled")
}

// systemType names the host OS the way the server displays it.
func systemType() string {
	switch runtime.GOOS {
	case "darwin":
		return "Mac OS X"
	case "windows":
		return "Windows"
	case "linux":
		return "Linux"
	default:
		return runtime.GOOS
	}
}
