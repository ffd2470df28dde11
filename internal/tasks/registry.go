// Package tasks tracks running automation jobs so they can be found and
// cancelled while they run.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devfarm/farm-agent/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrDuplicateHandle is returned when a handle ID is registered twice.
var ErrDuplicateHandle = errors.New("task handle already registered")

// Kind tells suite jobs from step-debug jobs.
type Kind string

const (
	// KindSuite is one case on one device of a suite run. Target of force-stop.
	KindSuite Kind = "suite"
	// KindStep is a step-debug run inside a session. Never force-stopped.
	KindStep Kind = "step"
)

// Key identifies the work a suite job is doing.
type Key struct {
	Platform protocol.Platform
	ResultID int
	CaseID   int
	DeviceID string
}

// Spec describes a job about to start.
type Spec struct {
	Kind      Kind
	Key       Key
	SessionID string
}

// Name derives the task name from the spec.
func (s Spec) Name() string {
	if s.Kind == KindStep {
		return fmt.Sprintf("%s-step-%s", s.Key.Platform, s.SessionID)
	}
	return fmt.Sprintf("%s-suite-%d-%d-%s", s.Key.Platform, s.Key.ResultID, s.Key.CaseID, s.Key.DeviceID)
}

// Job is the body of a task. It must return soon after ctx is cancelled.
type Job func(ctx context.Context) error

// Handle is the registry's record of one running job.
type Handle struct {
	ID        string
	Name      string
	Kind      Kind
	Key       Key
	SessionID string
	StartedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      atomic.Bool
}

// NewHandle creates a handle whose context derives from parent.
func NewHandle(parent context.Context, spec Spec) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		ID:        uuid.New().String(),
		Name:      spec.Name(),
		Kind:      spec.Kind,
		Key:       spec.Key,
		SessionID: spec.SessionID,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context is cancelled when the handle is force-stopped or completed.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Cancelled reports whether a cancel signal was raised.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// Done reports whether the job finished.
func (h *Handle) Done() bool {
	return h.done.Load()
}

// signal raises the cancel signal once. No-op on finished handles.
func (h *Handle) signal() bool {
	if h.done.Load() {
		return false
	}
	if !h.cancelled.CompareAndSwap(false, true) {
		return false
	}
	h.cancel()
	return true
}

// Info is a JSON-friendly snapshot of a handle.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Platform  string    `json:"platform"`
	ResultID  int       `json:"rid,omitempty"`
	CaseID    int       `json:"cid,omitempty"`
	DeviceID  string    `json:"udId"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Cancelled bool      `json:"cancelled"`
}

// Info returns a snapshot of the handle.
func (h *Handle) Info() Info {
	return Info{
		ID:        h.ID,
		Name:      h.Name,
		Kind:      h.Kind,
		Platform:  h.Key.Platform.String(),
		ResultID:  h.Key.ResultID,
		CaseID:    h.Key.CaseID,
		DeviceID:  h.Key.DeviceID,
		SessionID: h.SessionID,
		StartedAt: h.StartedAt,
		Cancelled: h.Cancelled(),
	}
}

// Registry holds every in-flight job.
type Registry struct {
	log zerolog.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:     log.With().Str("component", "tasks").Logger(),
		handles: make(map[string]*Handle),
	}
}

// Register adds a handle.
func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[h.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandle, h.ID)
	}
	r.handles[h.ID] = h
	return nil
}

// Complete marks a handle done and removes it. Safe to call more than once
// and from the job's own goroutine.
func (r *Registry) Complete(h *Handle) {
	if h.done.Swap(true) {
		return
	}
	h.cancel()

	r.mu.Lock()
	if r.handles[h.ID] == h {
		delete(r.handles, h.ID)
	}
	r.mu.Unlock()

	r.log.Debug().
		Str("task", h.Name).
		Bool("cancelled", h.Cancelled()).
		Dur("elapsed", time.Since(h.StartedAt)).
		Msg("task finished")
}

// Run executes job under an already registered handle on the calling
// goroutine. The caller completes the handle. Panics in the job are
// returned as errors.
func (r *Registry) Run(h *Handle, job Job) error {
	return r.invoke(h, job)
}

// Start registers a job and runs it on a new goroutine. onDone, if set,
// runs after the job body whatever its outcome, then the handle completes.
func (r *Registry) Start(parent context.Context, spec Spec, job Job, onDone func(err error)) (*Handle, error) {
	h := NewHandle(parent, spec)
	if err := r.Register(h); err != nil {
		h.cancel()
		return nil, err
	}

	go func() {
		var err error
		defer r.Complete(h)
		defer func() {
			if onDone != nil {
				onDone(err)
			}
		}()
		err = r.invoke(h, job)
	}()

	return h, nil
}

func (r *Registry) invoke(h *Handle, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("task", h.Name).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("task panicked")
			err = fmt.Errorf("task %s panicked: %v", h.Name, rec)
		}
	}()

	r.log.Debug().Str("task", h.Name).Str("id", h.ID).Msg("task started")
	return job(h.ctx)
}

// Cancel raises the cancel signal on every live suite job matching the
// result, case and device. A nil platform matches any platform. Returns how
// many handles were signalled; zero is not an error.
func (r *Registry) Cancel(platform *protocol.Platform, resultID, caseID int, deviceID string) int {
	return r.cancelWhere(func(h *Handle) bool {
		if h.Kind != KindSuite {
			return false
		}
		if platform != nil && h.Key.Platform != *platform {
			return false
		}
		return h.Key.ResultID == resultID && h.Key.CaseID == caseID && h.Key.DeviceID == deviceID
	})
}

// CancelSession cancels every job attached to a session.
func (r *Registry) CancelSession(sessionID string) int {
	if sessionID == "" {
		return 0
	}
	return r.cancelWhere(func(h *Handle) bool {
		return h.SessionID == sessionID
	})
}

// CancelID cancels one job by handle ID.
func (r *Registry) CancelID(id string) bool {
	return r.cancelWhere(func(h *Handle) bool {
		return h.ID == id
	}) > 0
}

// CancelAll cancels every job, used on shutdown.
func (r *Registry) CancelAll() int {
	return r.cancelWhere(func(*Handle) bool { return true })
}

func (r *Registry) cancelWhere(match func(*Handle) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, h := range r.handles {
		if match(h) && h.signal() {
			r.log.Info().Str("task", h.Name).Str("id", h.ID).Msg("task cancelled")
			n++
		}
	}
	return n
}

// Get returns a live handle by ID.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// List returns snapshots of all live handles, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	result := make([]Info, 0, len(r.handles))
	for _, h := range r.handles {
		result = append(result, h.Info())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
