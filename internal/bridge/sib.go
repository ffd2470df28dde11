package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devfarm/farm-agent/internal/protocol"
	"github.com/rs/zerolog"
)

// SIB is the iOS bridge backed by the sib binary.
type SIB struct {
	path string
	run  Runner
	log  zerolog.Logger
}

// NewSIB creates an iOS bridge. A nil runner uses ExecRunner.
func NewSIB(path string, run Runner, log zerolog.Logger) *SIB {
	if path == "" {
		path = "sib"
	}
	if run == nil {
		run = ExecRunner
	}
	return &SIB{
		path: path,
		run:  run,
		log:  log.With().Str("component", "sib").Logger(),
	}
}

// Platform returns protocol.IOS.
func (s *SIB) Platform() protocol.Platform {
	return protocol.IOS
}

// Devices lists connected devices. Every listed device is online.
func (s *SIB) Devices(ctx context.Context) ([]Device, error) {
	out, err := s.run(ctx, s.path, "devices")
	if err != nil {
		return nil, fmt.Errorf("sib devices: %w", err)
	}
	return parseSIBDevices(out), nil
}

// Reboot reboots a device.
func (s *SIB) Reboot(ctx context.Context, udID string) error {
	s.log.Info().Str("udid", udID).Msg("rebooting device")
	if _, err := s.run(ctx, s.path, "reboot", "-u", udID); err != nil {
		return fmt.Errorf("sib reboot %s: %w", udID, err)
	}
	return nil
}

// parseSIBDevices accepts the JSON list form
// {"deviceList":[{"serialNumber":"..."}]} or one serial per line.
func parseSIBDevices(out []byte) []Device {
	var list struct {
		DeviceList []struct {
			SerialNumber string `json:"serialNumber"`
		} `json:"deviceList"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out), &list); err == nil {
		devices := make([]Device, 0, len(list.DeviceList))
		for _, d := range list.DeviceList {
			if d.SerialNumber != "" {
				devices = append(devices, Device{Serial: d.SerialNumber, State: protocol.DeviceOnline})
			}
		}
		return devices
	}

	var devices []Device
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		devices = append(devices, Device{Serial: fields[0], State: protocol.DeviceOnline})
	}
	return devices
}
