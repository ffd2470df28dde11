package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devfarm/farm-agent/internal/automation"
	"github.com/devfarm/farm-agent/internal/bridge"
	"github.com/devfarm/farm-agent/internal/hub"
	"github.com/devfarm/farm-agent/internal/protocol"
	"github.com/devfarm/farm-agent/internal/state"
	"github.com/devfarm/farm-agent/internal/suite"
	"github.com/devfarm/farm-agent/internal/tasks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBridge struct {
	platform protocol.Platform

	mu      sync.Mutex
	devices []bridge.Device
	reboots []string
	lists   int
}

func (b *fakeBridge) Platform() protocol.Platform { return b.platform }

func (b *fakeBridge) Devices(context.Context) ([]bridge.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists++
	return append([]bridge.Device(nil), b.devices...), nil
}

func (b *fakeBridge) Reboot(_ context.Context, udID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reboots = append(b.reboots, udID)
	return nil
}

func (b *fakeBridge) rebooted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reboots...)
}

type fakeTracker struct {
	authenticated atomic.Bool
	calls         atomic.Int32
}

func (f *fakeTracker) SetAuthenticated(_ state.Sender, ok bool) {
	f.calls.Add(1)
	f.authenticated.Store(ok)
}

type fakeHub struct {
	supported bool
	mu        sync.Mutex
	moves     []protocol.HubPayload
}

func (h *fakeHub) Supported() bool { return h.supported }

func (h *fakeHub) SetPosition(_ context.Context, position int, kind string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.moves = append(h.moves, protocol.HubPayload{Position: position, Type: kind})
	return nil
}

// fakeSession blocks RunSteps until its context ends or release is closed.
type fakeSession struct {
	release chan struct{}
	started chan struct{}

	mu         sync.Mutex
	resets     int
	params     map[string]any
	statusSent int
}

func newFakeSession() *fakeSession {
	return &fakeSession{release: make(chan struct{}), started: make(chan struct{}, 1)}
}

func (s *fakeSession) ResetResultDetailStatus() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

func (s *fakeSession) SetGlobalParams(params map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = params
}

func (s *fakeSession) RunSteps(ctx context.Context, _ automation.StepRequest) error {
	s.started <- struct{}{}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.release:
		return nil
	}
}

func (s *fakeSession) SendStatus() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusSent++
}

func (s *fakeSession) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusSent
}

type fakeEngine struct {
	runs atomic.Int32
	last atomic.Pointer[suite.Suite]
}

func (e *fakeEngine) Run(_ context.Context, s *suite.Suite, _ suite.Listener) error {
	e.runs.Add(1)
	e.last.Store(s)
	return nil
}

type handlerFixture struct {
	h        *handlers
	store    *state.Store
	registry *tasks.Registry
	sessions *automation.Sessions
	android  *fakeBridge
	ios      *fakeBridge
	tracker  *fakeTracker
	hub      *fakeHub
	engine   *fakeEngine
	shutdown atomic.Int32
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		store:    state.NewStore(zerolog.Nop()),
		registry: tasks.NewRegistry(zerolog.Nop()),
		sessions: automation.NewSessions(),
		android: &fakeBridge{platform: protocol.Android, devices: []bridge.Device{
			{Serial: "A1", State: protocol.DeviceOnline},
			{Serial: "A2", State: protocol.DeviceOffline},
		}},
		ios: &fakeBridge{platform: protocol.IOS, devices: []bridge.Device{
			{Serial: "I1", State: protocol.DeviceOnline},
		}},
		tracker: &fakeTracker{},
		hub:     &fakeHub{},
		engine:  &fakeEngine{},
	}
	f.h = &handlers{
		log:      zerolog.Nop(),
		host:     "test-host",
		port:     7777,
		version:  "test",
		store:    f.store,
		registry: f.registry,
		sessions: f.sessions,
		bridges:  bridge.NewSet(f.android, f.ios),
		hub:      f.hub,
		engine:   f.engine,
		listener: suite.NewReportListener(f.store),
		conn:     f.tracker,
		shutdown: func() { f.shutdown.Add(1) },
	}
	return f
}

func request(t *testing.T, raw string, reply state.Sender) *Request {
	t.Helper()
	env, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)
	return &Request{Envelope: env, Reply: reply}
}

// requestFor builds a request from a typed payload.
func requestFor(t *testing.T, kind string, payload any, reply state.Sender) *Request {
	t.Helper()
	env, err := protocol.NewEnvelope(kind, payload)
	require.NoError(t, err)
	return &Request{Envelope: env, Reply: reply}
}

const authPass = `{"msg":"auth","result":"pass","id":7,"highTemp":45,"highTempTime":600}`

func TestHeartBeat_RepliesAliveOnce(t *testing.T) {
	f := newHandlerFixture(t)

	for _, authenticated := range []bool{false, true} {
		if authenticated {
			f.h.handleAuth(context.Background(), request(t, authPass, &recordingSender{}))
		}
		reply := &recordingSender{}
		f.h.handleHeartBeat(context.Background(), request(t, `{"msg":"heartBeat"}`, reply))

		frames := reply.all()
		require.Len(t, frames, 1)
		assert.Equal(t, protocol.TypeHeartBeat, frames[0].kind)
		assert.Equal(t, protocol.HeartBeatPayload{Status: "alive"}, frames[0].payload)
	}
}

func TestAuth_PassSendsAgentInfoThenDevices(t *testing.T) {
	f := newHandlerFixture(t)
	f.hub.supported = true
	f.store.SetStatus(protocol.Android, "A1", protocol.DeviceTesting)

	reply := &recordingSender{}
	f.h.handleAuth(context.Background(), request(t, authPass, reply))

	frames := reply.all()
	require.Len(t, frames, 4, "agentInfo plus one deviceDetail per device")

	assert.Equal(t, protocol.TypeAgentInfo, frames[0].kind)
	info := frames[0].payload.(protocol.AgentInfoPayload)
	assert.Equal(t, 7, info.AgentID)
	assert.Equal(t, 7777, info.Port)
	assert.Equal(t, "vtest", info.Version)
	assert.Equal(t, "test-host", info.Host)
	assert.Equal(t, 1, info.HasHub)
	assert.NotEmpty(t, info.SystemType)

	statuses := map[string]string{}
	for _, fr := range frames[1:] {
		require.Equal(t, protocol.TypeDeviceDetail, fr.kind)
		d := fr.payload.(protocol.DeviceDetailPayload)
		assert.Equal(t, 7, d.AgentID)
		statuses[d.UdID] = d.Status
	}
	assert.Equal(t, map[string]string{
		"A1": protocol.DeviceTesting, // cached wins
		"A2": protocol.DeviceOffline, // raw bridge state
		"I1": protocol.DeviceOnline,
	}, statuses)

	id, ok := f.store.Identity()
	require.True(t, ok)
	assert.Equal(t, 45, id.HighTemp)
	assert.Equal(t, 600, id.HighTempTime)
	assert.True(t, f.tracker.authenticated.Load())
}

func TestAuth_FailSendsNothing(t *testing.T) {
	f := newHandlerFixture(t)
	conn := &recordingSender{}
	f.h.handleAuth(context.Background(), request(t, authPass, conn))
	require.True(t, f.store.Authenticated())
	sentBefore := len(conn.all())

	f.h.handleAuth(context.Background(), request(t, `{"msg":"auth","result":"fail"}`, conn))

	assert.Len(t, conn.all(), sentBefore, "a rejected auth sends nothing")
	assert.False(t, f.store.Authenticated())
	assert.False(t, f.tracker.authenticated.Load())
}

func TestAuth_FailFromStaleConnectionKeepsIdentity(t *testing.T) {
	f := newHandlerFixture(t)
	f.h.handleAuth(context.Background(), request(t, authPass, &recordingSender{}))

	f.h.handleAuth(context.Background(), request(t, `{"msg":"auth","result":"fail"}`, &recordingSender{}))
	assert.True(t, f.store.Authenticated(), "only the bound connection's rejection clears the identity")
}

// closedSender is a reply path whose connection has already ended.
type closedSender struct {
	recordingSender
}

func (*closedSender) Closed() bool { return true }

func TestAuth_OnClosedConnectionIsDropped(t *testing.T) {
	f := newHandlerFixture(t)
	reply := &closedSender{}

	f.h.handleAuth(context.Background(), request(t, authPass, reply))

	assert.False(t, f.store.Authenticated())
	assert.Zero(t, f.tracker.calls.Load())
	assert.Empty(t, reply.all())
	assert.Zero(t, f.android.lists, "no device report for a dead connection")
}

func TestAuth_OnlyEnabledPlatformsReported(t *testing.T) {
	f := newHandlerFixture(t)
	f.h.bridges = bridge.NewSet(f.android)

	reply := &recordingSender{}
	f.h.handleAuth(context.Background(), request(t, authPass, reply))

	assert.Len(t, reply.ofKind(protocol.TypeDeviceDetail), 2)
	assert.Zero(t, f.ios.lists, "disabled platform is never enumerated")
}

func TestReboot(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		reboots []string
	}{
		{"online device", `{"msg":"reboot","platform":1,"udId":"A1"}`, []string{"A1"}},
		{"absent device", `{"msg":"reboot","platform":1,"udId":"ZZ"}`, nil},
		{"offline device", `{"msg":"reboot","platform":1,"udId":"A2"}`, nil},
		{"unknown platform", `{"msg":"reboot","platform":9,"udId":"A1"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			f.store.SetStatus(protocol.Android, "A1", protocol.DeviceDebugging)

			f.h.handleReboot(context.Background(), request(t, tt.raw, &recordingSender{}))
			assert.Equal(t, tt.reboots, f.android.rebooted())

			_, cached := f.store.Status(protocol.Android, "A1")
			assert.Equal(t, len(tt.reboots) == 0, cached, "cached status cleared only after a reboot")
		})
	}
}

func TestHub(t *testing.T) {
	f := newHandlerFixture(t)
	move := protocol.HubPayload{Position: 2, Type: "up"}

	f.h.handleHub(context.Background(), requestFor(t, protocol.TypeHub, move, nil))
	assert.Empty(t, f.hub.moves, "unsupported hub is skipped")

	f.hub.supported = true
	f.h.handleHub(context.Background(), requestFor(t, protocol.TypeHub, move, nil))
	assert.Equal(t, []protocol.HubPayload{move}, f.hub.moves)
}

func TestHub_NopController(t *testing.T) {
	f := newHandlerFixture(t)
	f.h.hub = hub.Nop{}
	assert.NotPanics(t, func() {
		f.h.handleHub(context.Background(), request(t, `{"msg":"hub","position":1,"type":"x"}`, nil))
	})
}

func TestShutdown(t *testing.T) {
	f := newHandlerFixture(t)
	f.h.handleShutdown(context.Background(), requestFor(t, protocol.TypeShutdown, nil, nil))
	assert.Equal(t, int32(1), f.shutdown.Load())
}

func TestRunStep_MissingSessionIsNoop(t *testing.T) {
	f := newHandlerFixture(t)
	f.h.handleRunStep(context.Background(), request(t, `{"msg":"runStep","pf":1,"udId":"A1","sessionId":"gone","pwd":"1234"}`, nil))

	assert.Zero(t, f.registry.Len())
	pwd, ok := f.store.Password("A1")
	assert.True(t, ok, "android password is stored before the session lookup")
	assert.Equal(t, "1234", pwd)
}

func TestRunStep_RunsAndReports(t *testing.T) {
	f := newHandlerFixture(t)
	s := newFakeSession()
	f.sessions.Put(protocol.Android, "s1", s)

	f.h.handleRunStep(context.Background(), request(t, `{"msg":"runStep","pf":1,"udId":"A1","sessionId":"s1","gp":{"env":"qa"}}`, nil))

	<-s.started
	infos := f.registry.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "android-step-s1", infos[0].Name)
	assert.Equal(t, tasks.KindStep, infos[0].Kind)

	close(s.release)
	assert.Eventually(t, func() bool { return s.sent() == 1 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.registry.Len() == 0 }, time.Second, 10*time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.resets)
	assert.Equal(t, map[string]any{"env": "qa"}, s.params)
}

func TestRunStep_SessionsAreIndependent(t *testing.T) {
	f := newHandlerFixture(t)
	s1, s2 := newFakeSession(), newFakeSession()
	f.sessions.Put(protocol.Android, "s1", s1)
	f.sessions.Put(protocol.Android, "s2", s2)

	f.h.handleRunStep(context.Background(), request(t, `{"msg":"runStep","pf":1,"udId":"A1","sessionId":"s1"}`, nil))
	f.h.handleRunStep(context.Background(), request(t, `{"msg":"runStep","pf":1,"udId":"A2","sessionId":"s2"}`, nil))
	<-s1.started
	<-s2.started

	assert.Equal(t, 1, f.registry.CancelSession("s1"))
	assert.Eventually(t, func() bool { return s1.sent() == 1 }, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return f.registry.Len() == 1 }, time.Second, 10*time.Millisecond)
	remaining := f.registry.List()[0]
	assert.Equal(t, "s2", remaining.SessionID)
	assert.False(t, remaining.Cancelled)
	assert.Zero(t, s2.sent())

	close(s2.release)
	assert.Eventually(t, func() bool { return s2.sent() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRunStep_NotForceStopTarget(t *testing.T) {
	f := newHandlerFixture(t)
	s := newFakeSession()
	f.sessions.Put(protocol.Android, "s1", s)
	f.h.handleRunStep(context.Background(), request(t, `{"msg":"runStep","pf":1,"udId":"A1","sessionId":"s1"}`, nil))
	<-s.started

	f.h.handleForceStop(context.Background(), request(t, `{"msg":"forceStopSuite","cases":[{"rid":0,"cid":0,"device":[{"udId":"A1"}]}]}`, nil))
	assert.False(t, f.registry.List()[0].Cancelled)
	close(s.release)
}

func TestSuite_RequiresAuth(t *testing.T) {
	f := newHandlerFixture(t)
	raw := `{"msg":"suite","pf":1,"cases":[{"rid":1,"cid":2,"device":[{"udId":"A1"}]}]}`

	f.h.handleSuite(context.Background(), request(t, raw, nil))
	assert.Zero(t, f.engine.runs.Load())

	f.h.handleAuth(context.Background(), request(t, authPass, &recordingSender{}))
	f.h.handleSuite(context.Background(), request(t, raw, nil))
	require.Equal(t, int32(1), f.engine.runs.Load())

	s := f.engine.last.Load()
	assert.Equal(t, protocol.Android, s.Platform)
	require.Len(t, s.Tests, 1)
	assert.Equal(t, suite.AndroidTests, s.Tests[0].Class)

	var info struct {
		ResultID int `json:"rid"`
	}
	require.NoError(t, json.Unmarshal([]byte(s.Tests[0].Params[suite.ParamDataInfo]), &info))
	assert.Equal(t, 1, info.ResultID)
}

func TestSuite_DisabledPlatformIgnored(t *testing.T) {
	f := newHandlerFixture(t)
	f.h.bridges = bridge.NewSet(f.android)
	f.h.handleAuth(context.Background(), request(t, authPass, &recordingSender{}))

	f.h.handleSuite(context.Background(), request(t, `{"msg":"suite","pf":2,"cases":[{}]}`, nil))
	assert.Zero(t, f.engine.runs.Load())
}

func blockingSuiteJob(started chan<- struct{}) tasks.Job {
	return func(ctx context.Context) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
}

func startSuiteTask(t *testing.T, r *tasks.Registry, rid, cid int, udID string) *tasks.Handle {
	t.Helper()
	started := make(chan struct{}, 1)
	h, err := r.Start(context.Background(), tasks.Spec{
		Kind: tasks.KindSuite,
		Key:  tasks.Key{Platform: protocol.Android, ResultID: rid, CaseID: cid, DeviceID: udID},
	}, blockingSuiteJob(started), nil)
	require.NoError(t, err)
	<-started
	return h
}

func TestForceStop_TargetsOnlyMatching(t *testing.T) {
	f := newHandlerFixture(t)
	x := startSuiteTask(t, f.registry, 1, 2, "X")
	y := startSuiteTask(t, f.registry, 1, 2, "Y")
	t.Cleanup(func() { f.registry.CancelAll() })

	f.h.handleForceStop(context.Background(), request(t, `{"msg":"forceStopSuite","cases":[{"rid":1,"cid":2,"device":[{"udId":"X"}]}]}`, nil))

	assert.True(t, x.Cancelled())
	assert.False(t, y.Cancelled())
}

func TestForceStop_NoMatchIsNoop(t *testing.T) {
	f := newHandlerFixture(t)
	y := startSuiteTask(t, f.registry, 1, 2, "Y")
	t.Cleanup(func() { f.registry.CancelAll() })

	before := f.registry.List()
	assert.NotPanics(t, func() {
		f.h.handleForceStop(context.Background(), request(t, `{"msg":"forceStopSuite","cases":[{"rid":9,"cid":9,"device":[{"udId":"X"}]}]}`, nil))
		f.h.handleForceStop(context.Background(), request(t, `{"msg":"forceStopSuite","cases":[]}`, nil))
	})
	assert.Equal(t, before, f.registry.List())
	assert.False(t, y.Cancelled())
}

func TestForceStop_PlatformFilter(t *testing.T) {
	f := newHandlerFixture(t)
	x := startSuiteTask(t, f.registry, 1, 2, "X")
	t.Cleanup(func() { f.registry.CancelAll() })

	ios := protocol.IOS
	f.h.handleForceStop(context.Background(), requestFor(t, protocol.TypeForceStopSuite, protocol.ForceStopPayload{
		Platform: &ios,
		Cases:    []protocol.ForceStopCase{{ResultID: 1, CaseID: 2, Devices: []protocol.DeviceRef{{UdID: "X"}}}},
	}, nil))
	assert.False(t, x.Cancelled(), "ios force stop leaves android jobs alone")

	f.h.handleForceStop(context.Background(), request(t, `{"msg":"forceStopSuite","pf":1,"cases":[{"rid":1,"cid":2,"device":[{"udId":"X"}]}]}`, nil))
	assert.True(t, x.Cancelled())
}
