package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"
)

// PlayerCommander is what input surfaces (encoders, IPC, MQTT) need from
// the Command Sender.
type PlayerCommander interface {
	ToggleMute(ctx context.Context, socketPath string) error
	ChangeVolume(ctx context.Context, socketPath string, delta int) error
}

// Sender sends one-shot commands to an mpv IPC socket. Every call opens
// its own connection, writes one request, reads one response line and
// closes. Calls arrive at human input rate, so there is no pooling.
type Sender struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewSender creates a Sender. timeout bounds dial, write and read.
func NewSender(timeout time.Duration, logger *slog.Logger) *Sender {
	if timeout <= 0 {
		timeout = time.Duration(defaultCommandTimeoutMS) * time.Millisecond
	}
	return &Sender{timeout: timeout, logger: logger}
}

// Send writes cmd to socketPath and returns mpv's reply line, skipping
// events. A reply whose error is not "success" yields ErrCommandRejected.
func (s *Sender) Send(ctx context.Context, socketPath string, cmd Command) ([]byte, error) {
	payload, err := encodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, classifyDialError(socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: send to %s: %v", ErrIOFailure, socketPath, err)
	}

	br := bufio.NewReaderSize(conn, readBufSize)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: read from %s: %v", ErrIOFailure, socketPath, err)
		}

		var reply mpvReply
		if err := json.Unmarshal(line, &reply); err != nil {
			return nil, fmt.Errorf("%w: reply from %s: %v", ErrDecodeFailure, socketPath, err)
		}
		// Events can be interleaved with the reply on any connection.
		if reply.Event != "" {
			continue
		}

		s.logger.Debug("mpv command sent", "socket", socketPath, "command", cmd.String(), "response", string(bytes.TrimSpace(line)))
		if reply.Error != mpvReplySuccess {
			return line, fmt.Errorf("%w: %s: %s", ErrCommandRejected, cmd.String(), reply.Error)
		}
		return line, nil
	}
}

// mpvReply is the part of a command reply (or interleaved event) we inspect.
type mpvReply struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

const mpvReplySuccess = "success"

// ToggleMute cycles mute on the player at socketPath.
func (s *Sender) ToggleMute(ctx context.Context, socketPath string) error {
	_, err := s.Send(ctx, socketPath, CmdToggleMute{})
	return err
}

// ChangeVolume adds delta percent to the player volume at socketPath.
func (s *Sender) ChangeVolume(ctx context.Context, socketPath string, delta int) error {
	_, err := s.Send(ctx, socketPath, CmdAddVolume{Delta: delta})
	return err
}

// classifyDialError maps a unix dial error onto the failure taxonomy.
func classifyDialError(socketPath string, err error) error {
	switch {
	case errors.Is(err, syscall.ENOENT):
		return fmt.Errorf("%w: %s: %v", ErrSocketUnavailable, socketPath, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %s: %v", ErrConnectionRefused, socketPath, err)
	default:
		// Timeouts and permission errors are retried the same way as refusals.
		return fmt.Errorf("%w: %s: %v", ErrConnectionRefused, socketPath, err)
	}
}
