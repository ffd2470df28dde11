// Package bridge talks to the tools that enumerate and reboot devices.
package bridge

import (
	"context"
	"errors"
	"os/exec"

	"github.com/devfarm/farm-agent/internal/protocol"
)

// ErrDeviceNotFound is returned when a device is not in the current list.
var ErrDeviceNotFound = errors.New("device not found")

// Device is one device as reported by its bridge.
type Device struct {
	Serial string `json:"udId"`
	State  string `json:"state"` // ONLINE, OFFLINE, UNAUTHORIZED, ...
}

// Online reports whether the bridge considers the device usable.
func (d Device) Online() bool {
	return d.State == protocol.DeviceOnline
}

// Bridge enumerates and reboots the devices of one platform.
type Bridge interface {
	Platform() protocol.Platform
	Devices(ctx context.Context) ([]Device, error)
	Reboot(ctx context.Context, udID string) error
}

// Lookup finds a device in the bridge's current list.
func Lookup(ctx context.Context, b Bridge, udID string) (Device, error) {
	devices, err := b.Devices(ctx)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if d.Serial == udID {
			return d, nil
		}
	}
	return Device{}, ErrDeviceNotFound
}

// Set holds the bridges of the enabled platforms.
type Set map[protocol.Platform]Bridge

// NewSet indexes bridges by platform.
func NewSet(bridges ...Bridge) Set {
	s := make(Set, len(bridges))
	for _, b := range bridges {
		s[b.Platform()] = b
	}
	return s
}

// For returns the bridge of a platform, if enabled.
func (s Set) For(platform protocol.Platform) (Bridge, bool) {
	b, ok := s[platform]
	return b, ok
}

// Runner executes an external tool and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs tools with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
