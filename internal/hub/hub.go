// Package hub drives the optional hub hardware that powers and positions devices.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Controller moves the hub. SetPosition is fire-and-forget for callers.
type Controller interface {
	Supported() bool
	SetPosition(ctx context.Context, position int, kind string) error
}

// Nop is used when no hub is attached.
type Nop struct{}

// Supported returns false.
func (Nop) Supported() bool { return false }

// SetPosition does nothing.
func (Nop) SetPosition(context.Context, int, string) error { return nil }

// HTTP talks to a hub controller service over HTTP.
type HTTP struct {
	baseURL   string
	client    *http.Client
	log       zerolog.Logger
	supported atomic.Bool
}

// NewHTTP creates a client for the hub controller at baseURL.
// Call Probe before relying on Supported.
func NewHTTP(baseURL string, log zerolog.Logger) *HTTP {
	return &HTTP{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log.With().Str("component", "hub").Logger(),
	}
}

// Probe checks whether the controller answers and records the result.
func (h *HTTP) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/status", nil)
	if err != nil {
		h.supported.Store(false)
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Info().Err(err).Msg("hub not reachable")
		h.supported.Store(false)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode < 400
	h.supported.Store(ok)
	h.log.Info().Bool("supported", ok).Msg("hub probed")
	return ok
}

// Supported reports the last probe result.
func (h *HTTP) Supported() bool {
	return h.supported.Load()
}

// SetPosition moves the hub to position for the given type.
func (h *HTTP) SetPosition(ctx context.Context, position int, kind string) error {
	body, err := json.Marshal(map[string]any{"position": position, "type": kind})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/position", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("hub set position: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("hub set position: HTTP %d", resp.StatusCode)
	}
	return nil
}
