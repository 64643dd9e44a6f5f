package main

import (
	"encoding/json"
	"fmt"
)

// ==============================
// mpv IPC commands
// ==============================

// Command is one mpv JSON IPC request. Args returns the "command" array.
type Command interface {
	Args() []any
	String() string
}

// ipcRequest is the wire shape mpv expects: {"command": [...]}.
type ipcRequest struct {
	Command []any `json:"command"`
}

// encodeCommand renders cmd as one newline-terminated JSON line.
func encodeCommand(cmd Command) ([]byte, error) {
	b, err := json.Marshal(ipcRequest{Command: cmd.Args()})
	if err != nil {
		return nil, fmt.Errorf("marshal command %s: %w", cmd, err)
	}
	return append(b, '\n'), nil
}

// CmdObserveProperty subscribes to property-change events for Name.
type CmdObserveProperty struct {
	ID   int
	Name string
}

func (c CmdObserveProperty) Args() []any { return []any{"observe_property", c.ID, c.Name} }
func (c CmdObserveProperty) String() string {
	return fmt.Sprintf("CmdObserveProperty(id=%d, name=%s)", c.ID, c.Name)
}

// CmdToggleMute cycles the mute property and shows the OSD bar.
type CmdToggleMute struct{}

func (CmdToggleMute) Args() []any    { return []any{"osd-msg-bar", "cycle", propMute} }
func (CmdToggleMute) String() string { return "CmdToggleMute()" }

// CmdAddVolume adds Delta (signed, percent) to volume and shows the OSD bar.
type CmdAddVolume struct {
	Delta int
}

func (c CmdAddVolume) Args() []any    { return []any{"osd-msg-bar", "add", propVolume, c.Delta} }
func (c CmdAddVolume) String() string { return fmt.Sprintf("CmdAddVolume(delta=%d)", c.Delta) }
