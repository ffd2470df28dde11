// Package state holds the agent's process-wide context: the identity assigned
// by the server, the connection used for out-of-band reports, and the cached
// per-device status.
package state

import (
	"sync"

	"github.com/devfarm/farm-agent/internal/protocol"
	"github.com/rs/zerolog"
)

// Sender writes one outbound frame. Implementations are best-effort: a frame
// that cannot be written is logged and dropped.
type Sender interface {
	Send(kind string, payload any)
}

// closer is implemented by senders bound to a connection that can end.
type closer interface {
	Closed() bool
}

// Identity is what the server assigns on a successful auth.
// It is immutable for the life of the connection.
type Identity struct {
	AgentID      int    `json:"agent_id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	HighTemp     int    `json:"high_temp"`
	HighTempTime int    `json:"high_temp_time"`
}

// Store is the identity and device status store shared by all handlers.
// All methods are safe for concurrent use.
type Store struct {
	log zerolog.Logger

	mu        sync.RWMutex
	identity  *Identity
	sender    Sender
	statuses  map[protocol.Platform]map[string]string
	passwords map[string]string
}

// NewStore creates an empty, unauthenticated store.
func NewStore(log zerolog.Logger) *Store {
	return &Store{
		log:       log.With().Str("component", "state").Logger(),
		statuses:  make(map[protocol.Platform]map[string]string),
		passwords: make(map[string]string),
	}
}

// Identity returns the current identity, if authenticated.
func (s *Store) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

// Authenticated reports whether an identity is present.
func (s *Store) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity != nil
}

// Authenticate records the identity and binds sender in one step. It refuses
// a sender whose connection already closed, so a late auth cannot outlive
// its connection's Unbind.
func (s *Store) Authenticate(sender Sender, id Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := sender.(closer); ok && c.Closed() {
		return false
	}
	s.identity = &id
	s.sender = sender
	return true
}

// Unbind forgets the identity and the shared connection if sender is still
// the bound one. A newer connection bound in the meantime is left alone.
// Cached device statuses are kept: they describe the devices, not the
// connection.
func (s *Store) Unbind(sender Sender) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender != sender {
		return false
	}
	s.sender = nil
	s.identity = nil
	return true
}


// Send writes a frame through the bound connection.
// Returns false when nothing is bound; the frame is dropped.
func (s *Store) Send(kind string, payload any) bool {
	s.mu.RLock()
	sender := s.sender
	s.mu.RUnlock()

	if sender == nil {
		s.log.Debug().Str("msg_type", kind).Msg("no bound connection, dropping message")
		return false
	}
	sender.Send(kind, payload)
	return true
}

// Publish reports a device's status to the server.
// Dropped when the agent is not authenticated.
func (s *Store) Publish(platform protocol.Platform, udID, status string) bool {
	id, ok := s.Identity()
	if !ok {
		s.log.Debug().Str("udid", udID).Str("status", status).Msg("not authenticated, status not published")
		return false
	}
	return s.Send(protocol.TypeDeviceDetail, protocol.DeviceDetailPayload{
		UdID:     udID,
		Platform: platform,
		Status:   status,
		AgentID:  id.AgentID,
	})
}

// SetStatus records a device's last known status. Last write wins.
func (s *Store) SetStatus(platform protocol.Platform, udID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.statuses[platform]
	if !ok {
		m = make(map[string]string)
		s.statuses[platform] = m
	}
	m[udID] = status
}

// Status returns a device's cached status.
func (s *Store) Status(platform protocol.Platform, udID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[platform][udID]
	return status, ok
}

// ClearStatus forgets a device's cached status.
func (s *Store) ClearStatus(platform protocol.Platform, udID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses[platform], udID)
}

// Statuses returns a copy of the cached statuses for a platform.
func (s *Store) Statuses(platform protocol.Platform) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.statuses[platform]))
	for udID, status := range s.statuses[platform] {
		out[udID] = status
	}
	return out
}

// SetPassword stores the unlock credential for a device.
// An empty password removes it.
func (s *Store) SetPassword(udID, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if password == "" {
		delete(s.passwords, udID)
		return
	}
	s.passwords[udID] = password
}

// Password returns the unlock credential for a device.
func (s *Store) Password(udID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pwd, ok := s.passwords[udID]
	return pwd, ok
}
