// Package automation is the seam between the agent and the engines that
// drive device UIs. The agent schedules, tracks and cancels work; the step
// semantics live behind these interfaces.
package automation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/devfarm/farm-agent/internal/protocol"
)

// ErrNotAttached is returned by the Unattached driver.
var ErrNotAttached = errors.New("no automation engine attached for platform")

// StepRequest is one runStep command as received.
type StepRequest struct {
	Platform  protocol.Platform
	UdID      string
	SessionID string
	Frame     json.RawMessage
}

// StepSession is an interactive step-debug session on one device.
// Sessions are opened and closed outside the control connection.
type StepSession interface {
	ResetResultDetailStatus()
	SetGlobalParams(params map[string]any)
	RunSteps(ctx context.Context, req StepRequest) error
	SendStatus()
}

type sessionKey struct {
	platform protocol.Platform
	id       string
}

// Sessions maps session IDs to live step-debug sessions.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[sessionKey]StepSession
}

// NewSessions creates an empty session registry.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[sessionKey]StepSession)}
}

// Put registers a session, replacing any previous one with the same ID.
func (s *Sessions) Put(platform protocol.Platform, id string, session StepSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionKey{platform, id}] = session
}

// Get returns a live session.
func (s *Sessions) Get(platform protocol.Platform, id string) (StepSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionKey{platform, id}]
	return session, ok
}

// Remove forgets a session.
func (s *Sessions) Remove(platform protocol.Platform, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey{platform, id})
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CaseRun is one case running on one device.
type CaseRun struct {
	Platform     protocol.Platform
	ResultID     int
	CaseID       int
	UdID         string
	Password     string
	GlobalParams map[string]any
	DataInfo     json.RawMessage
}

// Driver executes the steps of a case on a device.
type Driver interface {
	// RunStep executes one step. It must return soon after ctx is cancelled.
	RunStep(ctx context.Context, run *CaseRun, step json.RawMessage) error
	// Teardown releases device-side state. Called once per run, also after
	// cancellation or failure.
	Teardown(run *CaseRun)
}

// Drivers holds one driver per platform.
type Drivers map[protocol.Platform]Driver

// For returns the platform's driver, or Unattached.
func (d Drivers) For(platform protocol.Platform) Driver {
	if drv, ok := d[platform]; ok && drv != nil {
		return drv
	}
	return Unattached{}
}

// Unattached fails every step. The agent binary ships without an engine.
type Unattached struct{}

// RunStep returns ErrNotAttached.
func (Unattached) RunStep(context.Context, *CaseRun, json.RawMessage) error {
	return ErrNotAttached
}

// Teardown does nothing.
func (Unattached) Teardown(*CaseRun) {}
