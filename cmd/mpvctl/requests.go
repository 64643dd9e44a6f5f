package main

import (
	"context"
	"encoding/json"
	"fmt"
)

// ============================================================================
// Control Requests
// ============================================================================
// Requests are what the outer surfaces (IPC socket, MQTT) ask for. They
// name an instance id; the Dispatcher resolves it to a socket and hands the
// call to the Command Sender, exactly as an encoder would.
// ============================================================================

// Request is a marker interface for control requests.
type Request interface {
	requestMarker()
	TargetInstance() int
}

// VolumeStepRequest adds Delta percent to an instance's volume.
type VolumeStepRequest struct {
	Instance int `json:"instance"`
	Delta    int `json:"delta"`
}

func (VolumeStepRequest) requestMarker()        {}
func (r VolumeStepRequest) TargetInstance() int { return r.Instance }

// ToggleMuteRequest cycles an instance's mute.
type ToggleMuteRequest struct {
	Instance int `json:"instance"`
}

func (ToggleMuteRequest) requestMarker()        {}
func (r ToggleMuteRequest) TargetInstance() int { return r.Instance }

const (
	requestTypeVolumeStep = "volume_step"
	requestTypeToggleMute = "toggle_mute"
)

// RequestEnvelope wraps a request with a type discriminator for JSON.
type RequestEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalRequest decodes a JSON envelope into a concrete Request.
func UnmarshalRequest(data []byte) (Request, error) {
	var env RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case requestTypeVolumeStep:
		var r VolumeStepRequest
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal VolumeStepRequest: %w", err)
		}
		if r.Delta == 0 {
			return nil, fmt.Errorf("volume_step: delta must not be 0")
		}
		return r, nil

	case requestTypeToggleMute:
		var r ToggleMuteRequest
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal ToggleMuteRequest: %w", err)
		}
		return r, nil

	default:
		return nil, fmt.Errorf("unknown request type: %q", env.Type)
	}
}

// MarshalRequest encodes a Request as a JSON envelope.
func MarshalRequest(r Request) ([]byte, error) {
	var env RequestEnvelope

	switch r.(type) {
	case VolumeStepRequest:
		env.Type = requestTypeVolumeStep
	case ToggleMuteRequest:
		env.Type = requestTypeToggleMute
	default:
		return nil, fmt.Errorf("unsupported request type %T", r)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	env.Data = data
	return json.Marshal(env)
}

// Dispatcher executes requests against the configured instances.
type Dispatcher struct {
	sockets map[int]string
	player  PlayerCommander
}

// NewDispatcher maps each configured instance id to its socket.
func NewDispatcher(instances []InstanceConfig, player PlayerCommander) *Dispatcher {
	sockets := make(map[int]string, len(instances))
	for _, inst := range instances {
		sockets[inst.ID] = inst.Socket
	}
	return &Dispatcher{sockets: sockets, player: player}
}

// Dispatch sends the command for req. Player errors are returned to the
// caller, which reports them to its client.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	socket, ok := d.sockets[req.TargetInstance()]
	if !ok {
		return errUnknownInstance{id: req.TargetInstance()}
	}

	switch r := req.(type) {
	case VolumeStepRequest:
		return d.player.ChangeVolume(ctx, socket, r.Delta)
	case ToggleMuteRequest:
		return d.player.ToggleMute(ctx, socket)
	default:
		return fmt.Errorf("unsupported request type %T", req)
	}
}
