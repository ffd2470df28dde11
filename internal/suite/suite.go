// Package suite assembles suite runs from server case payloads and executes them.
package suite

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devfarm/farm-agent/internal/protocol"
	"github.com/google/uuid"
)

// ErrUnknownPlatform is returned when a suite names no known platform.
var ErrUnknownPlatform = errors.New("unknown platform")

// ParamDataInfo is the parameter carrying a case's payload.
const ParamDataInfo = "dataInfo"

// TestClass names the executable test bound to a platform.
type TestClass string

// Test classes
const (
	AndroidTests TestClass = "AndroidTests"
	IOSTests     TestClass = "IOSTests"
)

// ClassFor returns the test class of a platform.
func ClassFor(platform protocol.Platform) (TestClass, error) {
	switch platform {
	case protocol.Android:
		return AndroidTests, nil
	case protocol.IOS:
		return IOSTests, nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownPlatform, platform)
	}
}

// Test is one case of a suite.
type Test struct {
	Name   string
	Class  TestClass
	Params map[string]string
}

// Suite is an ephemeral description of one suite run.
type Suite struct {
	ID       string
	Platform protocol.Platform
	Params   map[string]string
	Tests    []*Test
}

// Build turns the cases of a suite command into a Suite: one Test per case,
// each carrying its own dataInfo. The suite-level dataInfo is taken from the
// first case only and never overwritten.
func Build(platform protocol.Platform, cases []json.RawMessage) (*Suite, error) {
	class, err := ClassFor(platform)
	if err != nil {
		return nil, err
	}

	s := &Suite{
		ID:       uuid.New().String(),
		Platform: platform,
		Params:   map[string]string{},
		Tests:    make([]*Test, 0, len(cases)),
	}
	for i, c := range cases {
		params := map[string]string{ParamDataInfo: string(c)}
		if _, ok := s.Params[ParamDataInfo]; !ok {
			s.Params[ParamDataInfo] = params[ParamDataInfo]
		}
		s.Tests = append(s.Tests, &Test{
			Name:   fmt.Sprintf("%s-%d", class, i+1),
			Class:  class,
			Params: params,
		})
	}
	return s, nil
}

// Param resolves a test parameter, falling back to the suite's.
func (s *Suite) Param(t *Test, name string) (string, bool) {
	if v, ok := t.Params[name]; ok {
		return v, true
	}
	v, ok := s.Params[name]
	return v, ok
}

// CaseInfo is the part of a case payload the engine needs.
type CaseInfo struct {
	ResultID     int                  `json:"rid"`
	CaseID       int                  `json:"cid"`
	Devices      []protocol.DeviceRef `json:"device"`
	Steps        []json.RawMessage    `json:"steps"`
	GlobalParams map[string]any       `json:"gp"`
}

// ParseCase decodes a dataInfo parameter.
func ParseCase(dataInfo string) (CaseInfo, error) {
	var info CaseInfo
	if err := json.Unmarshal([]byte(dataInfo), &info); err != nil {
		return CaseInfo{}, fmt.Errorf("parse case: %w", err)
	}
	return info, nil
}
