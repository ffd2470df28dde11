package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devfarm/farm-agent/internal/metrics"
	"github.com/devfarm/farm-agent/internal/protocol"
	"github.com/devfarm/farm-agent/internal/state"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrAlreadyConnected is returned by Connect while a connection is open.
var ErrAlreadyConnected = errors.New("already connected")

// Connection parameters
const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	closeGracePeriod = 5 * time.Second
)

// ConnState is the state of the control connection.
type ConnState int32

// Connection states
const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Authenticated
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Lifecycle receives connection events. from is a sender bound to the
// connection the event belongs to.
type Lifecycle interface {
	OnOpen()
	OnMessage(data []byte, from state.Sender)
	OnClose(from state.Sender, code int, reason string, wasAuthenticated bool)
	OnError(err error)
}

// Supervisor owns the control connection. It is the only writer to the
// socket.
type Supervisor struct {
	url       string
	interval  time.Duration
	lifecycle Lifecycle
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu   sync.Mutex // guards conn and every write to it
	conn *websocket.Conn

	state atomic.Int32
}

// NewSupervisor creates a supervisor that dials url and waits interval
// between reconnect attempts.
func NewSupervisor(url string, interval time.Duration, lc Lifecycle, m *metrics.Metrics, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		url:       url,
		interval:  interval,
		lifecycle: lc,
		metrics:   m,
		log:       log.With().Str("component", "supervisor").Logger(),
	}
}

// State returns the current connection state.
func (s *Supervisor) State() ConnState {
	return ConnState(s.state.Load())
}

// SetAuthenticated moves between Connected and Authenticated. It only acts
// for the open connection: an auth answered on a closed one is ignored.
func (s *Supervisor) SetAuthenticated(from state.Sender, ok bool) {
	l, isLink := from.(*link)
	if !isLink {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l.Closed() || s.conn != l.conn {
		return
	}
	if ok {
		s.state.CompareAndSwap(int32(Connected), int32(Authenticated))
		return
	}
	s.state.CompareAndSwap(int32(Authenticated), int32(Connected))
}

// Run keeps the control connection up until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(s.interval), ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := s.Connect(ctx)
		if err != nil {
			s.lifecycle.OnError(err)
		} else {
			s.readLoop(ctx, conn)
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		s.log.Info().Dur("retry_in", wait).Msg("reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		s.metrics.Reconnect()
	}
}

// Connect dials the server. It refuses while a connection is open or being
// opened.
func (s *Supervisor) Connect(ctx context.Context) (*websocket.Conn, error) {
	if !s.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return nil, ErrAlreadyConnected
	}

	s.log.Debug().Str("url", redact(s.url)).Msg("connecting")

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		s.state.Store(int32(Disconnected))
		if resp != nil {
			return nil, fmt.Errorf("dial %s: HTTP %d: %w", redact(s.url), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", redact(s.url), err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.state.Store(int32(Connected))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.lifecycle.OnOpen()
	return conn, nil
}

// readLoop delivers frames from conn until it fails or ctx ends.
func (s *Supervisor) readLoop(ctx context.Context, conn *websocket.Conn) {
	from := &link{s: s, conn: conn}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	go s.pingLoop(conn, done)

	var err error
	defer func() {
		stop()
		close(done)
		s.closed(from, err)
	}()

	for {
		var data []byte
		_, data, err = conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		s.lifecycle.OnMessage(data, from)
	}
}

func (s *Supervisor) closed(from *link, err error) {
	s.mu.Lock()
	from.closed.Store(true)
	if s.conn == from.conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = from.conn.Close()

	code, reason := websocket.CloseAbnormalClosure, ""
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Text
	} else if err != nil {
		reason = err.Error()
	}

	prev := ConnState(s.state.Swap(int32(Disconnected)))
	s.lifecycle.OnClose(from, code, reason, prev == Authenticated)
}

// pingLoop sends transport pings until done is closed.
func (s *Supervisor) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// Send writes a frame to the current connection. Failures are logged and
// the frame is dropped.
func (s *Supervisor) Send(kind string, payload any) {
	s.write(nil, kind, payload)
}

// write sends on the current connection. A non-nil want restricts the write
// to that connection.
func (s *Supervisor) write(want *websocket.Conn, kind string, payload any) {
	data, err := protocol.Encode(kind, payload)
	if err != nil {
		s.log.Error().Err(err).Str("msg_type", kind).Msg("failed to encode message")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || (want != nil && s.conn != want) {
		s.log.Debug().Str("msg_type", kind).Msg("not connected, dropping message")
		s.metrics.SendDropped()
		return
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Warn().Err(err).Str("msg_type", kind).Msg("send failed")
		s.metrics.SendDropped()
	}
}

// Close sends a close frame on the open connection. The read loop then sees
// the connection end.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	err := s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(closeGracePeriod),
	)
	if err != nil {
		_ = s.conn.Close()
		return err
	}
	return nil
}

// link is a Sender bound to one connection. Writes after that connection
// closed are dropped rather than sent on a newer one.
type link struct {
	s      *Supervisor
	conn   *websocket.Conn
	closed atomic.Bool
}

func (l *link) Send(kind string, payload any) {
	l.s.write(l.conn, kind, payload)
}

// Closed reports whether the link's connection has ended.
func (l *link) Closed() bool {
	return l.closed.Load()
}

// redact hides the agent key, the last path segment of the URL.
func redact(raw string) string {
	i := strings.LastIndex(raw, "/")
	if i < 0 {
		return raw
	}
	return raw[:i+1] + "***"
}
