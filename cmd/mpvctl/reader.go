package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// ============================================================================
// Instance Reader
// ============================================================================
//
// One long-lived goroutine per mpv instance:
//
//	WAIT_FOR_SOCKET -> CONNECTING -> SUBSCRIBED -> BACKOFF -> WAIT_FOR_SOCKET
//
// Every failure goes through BACKOFF with the same fixed delay. mpv being
// restarted resolves quickly and unpredictably, so there is no exponential
// backoff.
// ============================================================================

type readerState int

const (
	stateWaitForSocket readerState = iota
	stateConnecting
	stateSubscribed
	stateBackoff
)

func (s readerState) String() string {
	switch s {
	case stateWaitForSocket:
		return "WAIT_FOR_SOCKET"
	case stateConnecting:
		return "CONNECTING"
	case stateSubscribed:
		return "SUBSCRIBED"
	case stateBackoff:
		return "BACKOFF"
	default:
		return fmt.Sprintf("readerState(%d)", int(s))
	}
}

// ReaderConfig holds the reader timing knobs.
type ReaderConfig struct {
	PollInterval time.Duration // socket existence poll while waiting
	RetryBackoff time.Duration // delay after any connection failure
	ReadTimeout  time.Duration // bound on a single blocking read
}

// mpvMessage is any line mpv sends: command replies and events.
type mpvMessage struct {
	Event string `json:"event"`
	Name  string `json:"name"`
	Data  any    `json:"data"`
}

// InstanceReader keeps the store up to date for one mpv instance.
type InstanceReader struct {
	id         int
	socketPath string
	store      *Store
	cfg        ReaderConfig
	logger     *slog.Logger
}

// NewInstanceReader creates a reader for instance id listening on socketPath.
func NewInstanceReader(id int, socketPath string, store *Store, cfg ReaderConfig, logger *slog.Logger) *InstanceReader {
	return &InstanceReader{
		id:         id,
		socketPath: socketPath,
		store:      store,
		cfg:        cfg,
		logger:     logger.With("instance", id, "socket", socketPath),
	}
}

// Run drives the state machine until ctx is canceled. It never returns an
// error for player-side failures; those are retried.
func (r *InstanceReader) Run(ctx context.Context) error {
	watcher := newSocketWatcher(r.socketPath, r.logger)
	defer watcher.Close()
	defer r.markActive(false)

	var (
		state      = stateWaitForSocket
		conn       net.Conn
		waitLogged bool
	)

	for {
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return nil
		}

		switch state {
		case stateWaitForSocket:
			if !socketExists(r.socketPath) {
				r.markActive(false)
				if !waitLogged {
					r.logger.Info("socket does not exist, waiting for mpv to start")
					waitLogged = true
				}
				watcher.wait(ctx, r.cfg.PollInterval)
				continue
			}
			waitLogged = false
			state = stateConnecting

		case stateConnecting:
			c, err := r.connect(ctx)
			if err != nil {
				r.markActive(false)
				if errors.Is(err, ErrConnectionRefused) {
					r.logger.Warn("connection refused, mpv might not be running", "error", err)
				} else {
					r.logger.Warn("connect failed", "error", err)
				}
				state = stateBackoff
				continue
			}
			conn = c
			r.markActive(true)
			r.logger.Info("observing instance")
			state = stateSubscribed

		case stateSubscribed:
			err := r.readLoop(ctx, conn)
			_ = conn.Close()
			conn = nil
			r.markActive(false)
			if err != nil {
				r.logger.Warn("connection lost", "error", err)
			}
			state = stateBackoff

		case stateBackoff:
			sleepCtx(ctx, r.cfg.RetryBackoff, nil)
			state = stateWaitForSocket
		}
	}
}

// connect dials the socket and subscribes to volume and mute.
func (r *InstanceReader) connect(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "unix", r.socketPath)
	if err != nil {
		return nil, classifyDialError(r.socketPath, err)
	}

	for _, cmd := range []Command{
		CmdObserveProperty{ID: observeIDVolume, Name: propVolume},
		CmdObserveProperty{ID: observeIDMute, Name: propMute},
	} {
		payload, err := encodeCommand(cmd)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.ReadTimeout))
		if _, err := conn.Write(payload); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: subscribe %s: %v", ErrIOFailure, cmd, err)
		}
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// readLoop reads line-delimited JSON until the connection fails or ctx is
// canceled. It returns nil only on shutdown.
func (r *InstanceReader) readLoop(ctx context.Context, conn net.Conn) error {
	// Unblock a pending Read immediately on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, readBufSize)
	var pending []byte

	for {
		if ctx.Err() != nil {
			return nil
		}

		_ = conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = r.consumeLines(pending)
		}
		if err == nil {
			continue
		}

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: peer closed connection", ErrIOFailure)
		}
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
}

// consumeLines handles every complete line in buf and returns the
// unterminated remainder.
func (r *InstanceReader) consumeLines(buf []byte) []byte {
	rest := buf
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		r.handleLine(rest[:i])
		rest = rest[i+1:]
	}
	if len(rest) == 0 {
		return buf[:0]
	}
	return append([]byte(nil), rest...)
}

// handleLine applies one mpv message to the store.
func (r *InstanceReader) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	if !json.Valid(line) {
		r.logger.Warn("discarding malformed line", "error", ErrDecodeFailure, "line", string(line))
		return
	}

	// Valid JSON of another shape (arrays, scalars, odd field types) is not
	// a property change.
	var msg mpvMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		r.logger.Debug("ignoring unexpected message", "error", err, "line", string(line))
		return
	}

	if msg.Event != eventPropertyChange {
		return
	}

	if err := r.store.Update(r.id, msg.Name, msg.Data); err != nil {
		if errors.Is(err, ErrUnknownProperty) {
			r.logger.Debug("ignoring property change", "property", msg.Name)
			return
		}
		r.logger.Warn("state update failed", "error", err)
		return
	}
	r.logger.Debug("property changed", "property", msg.Name, "data", msg.Data)
}

func (r *InstanceReader) markActive(active bool) {
	if err := r.store.SetActive(r.id, active); err != nil {
		r.logger.Error("state update failed", "error", err)
	}
}
