package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeMPV is a minimal mpv JSON IPC server on a unix socket. It records
// every request line, answers each with a success reply, and lets tests
// push event lines to connected clients.
type fakeMPV struct {
	t    *testing.T
	path string
	ln   net.Listener

	mu     sync.Mutex
	lines  []string
	conns  []net.Conn
	reply  string   // answer to every request; success when empty
	before []string // lines written ahead of each reply

	connCh chan net.Conn
}

func newFakeMPV(t *testing.T) *fakeMPV {
	t.Helper()
	return newFakeMPVAt(t, filepath.Join(t.TempDir(), "mpv.sock"))
}

func newFakeMPVAt(t *testing.T, path string) *fakeMPV {
	t.Helper()
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen %s: %v", path, err)
	}
	f := &fakeMPV{
		t:      t,
		path:   path,
		ln:     ln,
		connCh: make(chan net.Conn, 16),
	}
	go f.serve()
	t.Cleanup(f.Close)
	return f
}

func (f *fakeMPV) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		select {
		case f.connCh <- conn:
		default:
		}
		go f.handle(conn)
	}
}

func (f *fakeMPV) handle(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		f.mu.Lock()
		f.lines = append(f.lines, sc.Text())
		reply := f.reply
		out := append([]string(nil), f.before...)
		f.mu.Unlock()
		if reply == "" {
			reply = `{"request_id":0,"error":"success"}`
		}
		out = append(out, reply)
		for _, line := range out {
			if _, err := io.WriteString(conn, line+"\n"); err != nil {
				return
			}
		}
	}
}

// waitConn returns the next accepted connection.
func (f *fakeMPV) waitConn(timeout time.Duration) net.Conn {
	f.t.Helper()
	select {
	case c := <-f.connCh:
		return c
	case <-time.After(timeout):
		f.t.Fatalf("timeout waiting for a client connection")
		return nil
	}
}

func (f *fakeMPV) push(conn net.Conn, line string) {
	f.t.Helper()
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		f.t.Fatalf("push: %v", err)
	}
}

// respond sets the reply to every following request and the lines sent
// ahead of it.
func (f *fakeMPV) respond(reply string, before ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = reply
	f.before = before
}

func (f *fakeMPV) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out
}

func (f *fakeMPV) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Close stops listening (removing the socket file) and drops every client.
func (f *fakeMPV) Close() {
	_ = f.ln.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return newLogger(io.Discard, LogLevelError)
}

func TestSender_ChangeVolume(t *testing.T) {
	fake := newFakeMPV(t)
	s := NewSender(time.Second, discardLogger())

	if err := s.ChangeVolume(context.Background(), fake.path, -3); err != nil {
		t.Fatalf("ChangeVolume: %v", err)
	}

	got := fake.received()
	want := `{"command":["osd-msg-bar","add","volume",-3]}`
	if len(got) != 1 || got[0] != want {
		t.Fatalf("mpv received %q, want [%q]", got, want)
	}
}

func TestSender_ToggleMute(t *testing.T) {
	fake := newFakeMPV(t)
	s := NewSender(time.Second, discardLogger())

	if err := s.ToggleMute(context.Background(), fake.path); err != nil {
		t.Fatalf("ToggleMute: %v", err)
	}

	got := fake.received()
	want := `{"command":["osd-msg-bar","cycle","mute"]}`
	if len(got) != 1 || got[0] != want {
		t.Fatalf("mpv received %q, want [%q]", got, want)
	}
}

func TestSender_RejectedCommand(t *testing.T) {
	fake := newFakeMPV(t)
	fake.respond(`{"request_id":0,"error":"property not found"}`)
	s := NewSender(time.Second, discardLogger())

	err := s.ChangeVolume(context.Background(), fake.path, 2)
	if !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("expected ErrCommandRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "property not found") {
		t.Fatalf("error does not carry mpv's reason: %v", err)
	}
}

func TestSender_SkipsEventsBeforeReply(t *testing.T) {
	fake := newFakeMPV(t)
	fake.respond(`{"request_id":0,"error":"success"}`,
		`{"event":"property-change","id":1,"name":"volume","data":50}`,
		`{"event":"playback-restart"}`)
	s := NewSender(time.Second, discardLogger())

	if err := s.ToggleMute(context.Background(), fake.path); err != nil {
		t.Fatalf("ToggleMute: %v", err)
	}

	fake.respond(`{"request_id":0,"error":"invalid parameter"}`, `{"event":"idle"}`)
	if err := s.ToggleMute(context.Background(), fake.path); !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("expected ErrCommandRejected after event, got %v", err)
	}
}

func TestSender_MalformedReply(t *testing.T) {
	fake := newFakeMPV(t)
	fake.respond(`{"error":`)
	s := NewSender(time.Second, discardLogger())

	if err := s.ToggleMute(context.Background(), fake.path); !errors.Is(err, ErrDecodeFailure) {
		t.Fatalf("expected ErrDecodeFailure, got %v", err)
	}
}

func TestSender_OneConnectionPerCommand(t *testing.T) {
	fake := newFakeMPV(t)
	s := NewSender(time.Second, discardLogger())

	for i := 0; i < 3; i++ {
		if err := s.ChangeVolume(context.Background(), fake.path, 1); err != nil {
			t.Fatalf("ChangeVolume #%d: %v", i, err)
		}
	}
	if n := fake.connCount(); n != 3 {
		t.Fatalf("expected 3 connections, got %d", n)
	}
}

func TestSender_MissingSocket(t *testing.T) {
	s := NewSender(time.Second, discardLogger())
	err := s.ToggleMute(context.Background(), filepath.Join(t.TempDir(), "nope.sock"))
	if !errors.Is(err, ErrSocketUnavailable) {
		t.Fatalf("expected ErrSocketUnavailable, got %v", err)
	}
}

func TestSender_StaleSocketRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = ln.Close()

	if !socketExists(path) {
		t.Fatalf("expected stale socket file to remain")
	}

	s := NewSender(time.Second, discardLogger())
	err = s.ChangeVolume(context.Background(), path, 1)
	if !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused, got %v", err)
	}
}

func TestSender_NoReplyTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mute.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		// Read the request, never answer.
		_, _ = bufio.NewReader(c).ReadString('\n')
		time.Sleep(time.Second)
	}()

	s := NewSender(100*time.Millisecond, discardLogger())
	start := time.Now()
	err = s.ToggleMute(context.Background(), path)
	if !errors.Is(err, ErrIOFailure) {
		t.Fatalf("expected ErrIOFailure, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("send was not bounded by the timeout")
	}
}

func TestSocketExists(t *testing.T) {
	fake := newFakeMPV(t)
	if !socketExists(fake.path) {
		t.Fatalf("expected socket to exist")
	}

	regular := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(regular, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if socketExists(regular) {
		t.Fatalf("regular file reported as socket")
	}
	if socketExists(filepath.Join(t.TempDir(), "missing")) {
		t.Fatalf("missing path reported as socket")
	}
}

func TestEncodeCommand(t *testing.T) {
	b, err := encodeCommand(CmdObserveProperty{ID: observeIDVolume, Name: propVolume})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(b), "\n") {
		t.Fatalf("command not newline-terminated: %q", b)
	}
	if got := strings.TrimSpace(string(b)); got != `{"command":["observe_property",1,"volume"]}` {
		t.Fatalf("unexpected encoding %s", got)
	}
}
