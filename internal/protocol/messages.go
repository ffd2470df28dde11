// Package protocol defines the JSON frames exchanged between the agent and the coordinating server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingKind is returned for frames without a "msg" discriminant.
var ErrMissingKind = errors.New("frame has no msg field")

// Envelope is one decoded inbound frame.
// Kind is the "msg" discriminant; the remaining fields stay raw until a
// handler decodes them into its own payload type.
type Envelope struct {
	Kind string
	raw  json.RawMessage
}

// Decode parses a raw text frame into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var head struct {
		Msg *string `json:"msg"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if head.Msg == nil || *head.Msg == "" {
		return nil, ErrMissingKind
	}
	return &Envelope{
		Kind: *head.Msg,
		raw:  append(json.RawMessage(nil), data...),
	}, nil
}

// NewEnvelope builds an envelope from a kind and payload, as if it had
// arrived on the wire.
func NewEnvelope(kind string, payload any) (*Envelope, error) {
	data, err := Encode(kind, payload)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode unmarshals the frame's fields into target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.raw, target)
}

// Raw returns the full frame as received.
func (e *Envelope) Raw() json.RawMessage {
	return e.raw
}

// Encode builds an outbound frame: the payload's fields plus "msg": kind.
// A nil payload produces a frame carrying only the discriminant.
func Encode(kind string, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("encode %s payload: payload must be an object: %w", kind, err)
		}
	}
	msg, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	fields["msg"] = msg
	return json.Marshal(fields)
}

// Message types (server → agent)
const (
	TypeAuth           = "auth"
	TypeShutdown       = "shutdown"
	TypeReboot         = "reboot"
	TypePong           = "pong"
	TypeHub            = "hub"
	TypeRunStep        = "runStep"
	TypeSuite          = "suite"
	TypeForceStopSuite = "forceStopSuite"
)

// Message types (agent → server)
const (
	TypeAgentInfo    = "agentInfo"
	TypeDeviceDetail = "deviceDetail"
	TypeCaseStatus   = "status"
)

// TypeHeartBeat travels both ways: the server asks, the agent answers.
const TypeHeartBeat = "heartBeat"

// AuthResultPass is the only auth result that authenticates the agent.
const AuthResultPass = "pass"

// AuthPayload is the server's answer to the agent's key.
type AuthPayload struct {
	Result       string `json:"result"`
	ID           int    `json:"id"`
	HighTemp     int    `json:"highTemp"`
	HighTempTime int    `json:"highTempTime"`
}

// Passed reports whether the server accepted the agent.
func (p AuthPayload) Passed() bool {
	return p.Result == AuthResultPass
}

// AgentInfoPayload is sent once after a successful auth.
type AgentInfoPayload struct {
	AgentID    int    `json:"agentId"`
	Port       int    `json:"port"`
	Version    string `json:"version"`
	SystemType string `json:"systemType"`
	Host       string `json:"host"`
	HasHub     int    `json:"hasHub"` // 0 or 1
}

// RebootPayload asks the agent to reboot one device.
type RebootPayload struct {
	Platform Platform `json:"platform"`
	UdID     string   `json:"udId"`
}

// HeartBeatPayload is the agent's liveness answer.
type HeartBeatPayload struct {
	Status string `json:"status"`
}

// HeartBeatAlive is the only status the agent ever reports.
const HeartBeatAlive = "alive"

// HubPayload moves the auxiliary hub hardware.
type HubPayload struct {
	Position int    `json:"position"`
	Type     string `json:"type"`
}

// RunStepPayload starts step debugging inside an existing session.
type RunStepPayload struct {
	Platform     Platform       `json:"pf"`
	UdID         string         `json:"udId"`
	SessionID    string         `json:"sessionId"`
	GlobalParams map[string]any `json:"gp"`
	Password     string         `json:"pwd,omitempty"`
}

// SuitePayload carries the cases of one suite run. Each case is kept raw:
// it is handed to the test as its parameter blob.
type SuitePayload struct {
	Platform Platform          `json:"pf"`
	Cases    []json.RawMessage `json:"cases"`
}

// ForceStopPayload lists the suite jobs to cancel.
// Platform is optional; when absent every platform matches.
type ForceStopPayload struct {
	Platform *Platform       `json:"pf,omitempty"`
	Cases    []ForceStopCase `json:"cases"`
}

// ForceStopCase identifies one case of one result on a set of devices.
type ForceStopCase struct {
	ResultID int         `json:"rid"`
	CaseID   int         `json:"cid"`
	Devices  []DeviceRef `json:"device"`
}

// DeviceRef names a device by its identifier.
type DeviceRef struct {
	UdID string `json:"udId"`
}

// DeviceDetailPayload pushes one device's status to the server.
type DeviceDetailPayload struct {
	UdID     string   `json:"udId"`
	Platform Platform `json:"platform"`
	Status   string   `json:"status"`
	AgentID  int      `json:"agentId"`
}

// CaseStatusPayload streams one case result on one device.
type CaseStatusPayload struct {
	ResultID int    `json:"rid"`
	CaseID   int    `json:"cid"`
	UdID     string `json:"udId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Case result statuses
const (
	CaseRunning   = "running"
	CasePass      = "pass"
	CaseFail      = "fail"
	CaseCancelled = "cancelled"
)

// Device status tokens
const (
	DeviceOnline    = "ONLINE"
	DeviceOffline   = "OFFLINE"
	DeviceDebugging = "DEBUGGING"
	DeviceTesting   = "TESTING"
	DeviceRebooting = "REBOOTING"
)
