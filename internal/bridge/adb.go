package bridge

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/devfarm/farm-agent/internal/protocol"
	"github.com/rs/zerolog"
)

// ADB is the Android bridge backed by the adb binary.
type ADB struct {
	path string
	run  Runner
	log  zerolog.Logger
}

// NewADB creates an Android bridge. A nil runner uses ExecRunner.
func NewADB(path string, run Runner, log zerolog.Logger) *ADB {
	if path == "" {
		path = "adb"
	}
	if run == nil {
		run = ExecRunner
	}
	return &ADB{
		path: path,
		run:  run,
		log:  log.With().Str("component", "adb").Logger(),
	}
}

// Platform returns protocol.Android.
func (a *ADB) Platform() protocol.Platform {
	return protocol.Android
}

// Devices lists attached devices from `adb devices`.
func (a *ADB) Devices(ctx context.Context) ([]Device, error) {
	out, err := a.run(ctx, a.path, "devices")
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	return parseADBDevices(out), nil
}

// Reboot reboots an online device.
func (a *ADB) Reboot(ctx context.Context, udID string) error {
	a.log.Info().Str("udid", udID).Msg("rebooting device")
	if _, err := a.run(ctx, a.path, "-s", udID, "reboot"); err != nil {
		return fmt.Errorf("adb reboot %s: %w", udID, err)
	}
	return nil
}

// parseADBDevices parses:
//
//	List of devices attached
//	emulator-5554	device
//	R58M123	unauthorized
func parseADBDevices(out []byte) []Device {
	var devices []Device
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, Device{
			Serial: fields[0],
			State:  adbState(fields[1]),
		})
	}
	return devices
}

func adbState(raw string) string {
	switch raw {
	case "device":
		return protocol.DeviceOnline
	case "offline":
		return protocol.DeviceOffline
	default:
		return strings.ToUpper(raw)
	}
}
