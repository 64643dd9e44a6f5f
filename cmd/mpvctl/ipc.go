package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Control Interface
// ============================================================================
// Lets scripts, keyboard hotkeys or a second controller drive the players
// without touching the encoders.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "volume_step", "data": {"instance": 1, "delta": -2}}
//                   {"type": "toggle_mute", "data": {"instance": 1}}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
//
// Requests are executed synchronously, so the response reflects whether mpv
// accepted the command.
// ============================================================================

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // error message if status == "error"
}

// runIPCServer serves the control socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, dispatcher *Dispatcher, logger *slog.Logger) error {
	// Remove a stale socket left by a previous run.
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, dispatcher, logger)
	}
}

// handleIPCConnection serves requests on one client connection until the
// client disconnects or ctx is canceled.
func handleIPCConnection(ctx context.Context, conn net.Conn, dispatcher *Dispatcher, logger *slog.Logger) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logger.Debug("IPC connection")

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	reply := func(resp IPCResponse) {
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		req, err := UnmarshalRequest([]byte(line))
		if err != nil {
			reply(IPCResponse{Status: "error", Error: fmt.Sprintf("parse request: %v", err)})
			continue
		}

		if err := dispatcher.Dispatch(ctx, req); err != nil {
			logger.Warn("IPC request failed", "instance", req.TargetInstance(), "error", err)
			reply(IPCResponse{Status: "error", Error: err.Error()})
			continue
		}
		reply(IPCResponse{Status: "ok"})
	}

	logger.Debug("IPC connection closed")
}

// ============================================================================
// IPC Client
// ============================================================================

// SendIPCRequest sends one request to a running mpvctl and waits for the
// response. It is what `mpvctl send` uses.
func SendIPCRequest(ctx context.Context, socketPath string, req Request, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	data, err := MarshalRequest(req)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.Status != "ok" {
		return fmt.Errorf("ipc error: %s", resp.Error)
	}
	return nil
}
