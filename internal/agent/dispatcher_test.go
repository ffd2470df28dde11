package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devfarm/farm-agent/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	kind    string
	payload any
}

// recordingSender records every frame sent through it.
type recordingSender struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (r *recordingSender) Send(kind string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, sentFrame{kind, payload})
}

func (r *recordingSender) all() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentFrame(nil), r.frames...)
}

func (r *recordingSender) ofKind(kind string) []sentFrame {
	var out []sentFrame
	for _, f := range r.all() {
		if f.kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(context.Background(), zerolog.Nop(), metrics.MustNewMetrics(prometheus.NewRegistry()))
}

func TestDispatcher_RoutesByKind(t *testing.T) {
	d := newTestDispatcher(t)

	var got atomic.Value
	d.Handle("heartBeat", func(ctx context.Context, req *Request) {
		got.Store(req.Kind)
	})

	assert.True(t, d.Dispatch([]byte(`{"msg":"heartBeat"}`), &recordingSender{}))
	d.Wait()
	assert.Equal(t, "heartBeat", got.Load())
}

func TestDispatcher_DropsWithoutReply(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown kind", `{"msg":"somethingNew","x":1}`},
		{"pong", `{"msg":"pong"}`},
		{"malformed json", `{"msg":`},
		{"missing kind", `{"result":"pass"}`},
		{"not an object", `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t)
			var called atomic.Bool
			d.Handle("heartBeat", func(ctx context.Context, req *Request) { called.Store(true) })

			reply := &recordingSender{}
			assert.False(t, d.Dispatch([]byte(tt.raw), reply))
			d.Wait()
			assert.False(t, called.Load())
			assert.Empty(t, reply.all(), "dropped frames get no reply")
		})
	}
}

func TestDispatcher_CountsDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := NewDispatcher(context.Background(), zerolog.Nop(), metrics.MustNewMetrics(reg))

	d.Dispatch([]byte(`{"msg":"nope"}`), nil)
	d.Dispatch([]byte(`garbage`), nil)

	n, err := testutil.GatherAndCount(reg, "farm_agent_control_frames_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per drop reason")
}

func TestDispatcher_HandlersDoNotBlockEachOther(t *testing.T) {
	d := newTestDispatcher(t)

	release := make(chan struct{})
	var fast atomic.Bool
	d.Handle("suite", func(ctx context.Context, req *Request) { <-release })
	d.Handle("heartBeat", func(ctx context.Context, req *Request) { fast.Store(true) })

	require.True(t, d.Dispatch([]byte(`{"msg":"suite"}`), nil))
	require.True(t, d.Dispatch([]byte(`{"msg":"heartBeat"}`), nil))

	assert.Eventually(t, fast.Load, time.Second, 10*time.Millisecond)
	close(release)
	d.Wait()
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := newTestDispatcher(t)
	d.Handle("reboot", func(ctx context.Context, req *Request) { panic("bridge exploded") })

	var after atomic.Bool
	d.Handle("heartBeat", func(ctx context.Context, req *Request) { after.Store(true) })

	assert.NotPanics(t, func() {
		d.Dispatch([]byte(`{"msg":"reboot"}`), nil)
		d.Wait()
	})
	d.Dispatch([]byte(`{"msg":"heartBeat"}`), nil)
	d.Wait()
	assert.True(t, after.Load(), "dispatcher keeps working after a panic")
}

func TestDispatcher_PassesReplyAndPayload(t *testing.T) {
	d := newTestDispatcher(t)
	reply := &recordingSender{}

	d.Handle("hub", func(ctx context.Context, req *Request) {
		var p struct {
			Position int `json:"position"`
		}
		if err := req.Decode(&p); err == nil {
			req.Reply.Send("ack", p.Position)
		}
	})

	d.Dispatch([]byte(`{"msg":"hub","position":4,"type":"up"}`), reply)
	d.Wait()
	require.Len(t, reply.all(), 1)
	assert.Equal(t, 4, reply.all()[0].payload)
}
