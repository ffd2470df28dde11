package agent

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/devfarm/farm-agent/internal/metrics"
	"github.com/devfarm/farm-agent/internal/protocol"
	"github.com/devfarm/farm-agent/internal/state"
	"github.com/rs/zerolog"
)

// Request is one decoded command plus the connection it arrived on.
type Request struct {
	*protocol.Envelope
	Reply state.Sender
}

// HandlerFunc handles one command kind.
type HandlerFunc func(ctx context.Context, req *Request)

// Dispatcher routes inbound frames to handlers. Each handler runs on its own
// goroutine so the read loop never blocks on command execution.
type Dispatcher struct {
	ctx     context.Context
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher whose handlers run under ctx.
func NewDispatcher(ctx context.Context, log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		ctx:      ctx,
		log:      log.With().Str("component", "dispatcher").Logger(),
		metrics:  m,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers fn for kind, replacing any previous handler.
func (d *Dispatcher) Handle(kind string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = fn
}

// Dispatch decodes raw and hands it to its handler. Returns whether a handler
// was started. Malformed frames, pong and unknown kinds are dropped.
func (d *Dispatcher) Dispatch(raw []byte, reply state.Sender) bool {
	env, err := protocol.Decode(raw)
	if err != nil {
		d.log.Warn().Err(err).Str("data", truncate(raw, 256)).Msg("dropping malformed frame")
		d.metrics.FrameDropped("malformed")
		return false
	}
	if env.Kind == protocol.TypePong {
		d.metrics.FrameReceived(env.Kind)
		return false
	}

	d.mu.RLock()
	fn, ok := d.handlers[env.Kind]
	d.mu.RUnlock()
	if !ok {
		d.log.Debug().Str("msg_type", env.Kind).Msg("unknown command, ignoring")
		d.metrics.FrameDropped("unknown_kind")
		return false
	}
	d.metrics.FrameReceived(env.Kind)

	req := &Request{Envelope: env, Reply: reply}
	d.wg.Add(1)
	go d.run(fn, req)
	return true
}

func (d *Dispatcher) run(fn HandlerFunc, req *Request) {
	defer d.wg.Done()
	start := time.Now()
	defer func() {
		d.metrics.ObserveHandler(req.Kind, time.Since(start))
		if rec := recover(); rec != nil {
			d.log.Error().
				Str("msg_type", req.Kind).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
		}
	}()

	d.log.Debug().Str("msg_type", req.Kind).Msg("dispatching")
	fn(d.ctx, req)
}

// Wait blocks until every started handler has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
