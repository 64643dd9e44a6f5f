package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type httpFixture struct {
	store  *Store
	player *fakePlayer
	srv    *httptest.Server
}

func newHTTPFixture(t *testing.T, withWS bool) *httpFixture {
	t.Helper()
	store := NewStore([]int{1, 2})
	player := &fakePlayer{}
	dispatcher := NewDispatcher(testInstances(), player)

	var ws *StateWSServer
	if withWS {
		ws = NewStateWSServer(store, discardLogger(), HubConfig{})
		ctx, cancel := context.WithCancel(context.Background())
		go ws.Hub().Run(ctx)
		go RunBroadcaster(ctx, ws.Hub(), store, discardLogger())
		t.Cleanup(cancel)
	}

	srv := httptest.NewServer(newRouter(store, dispatcher, ws, discardLogger()))
	t.Cleanup(srv.Close)
	return &httpFixture{store: store, player: player, srv: srv}
}

func (f *httpFixture) post(t *testing.T, path, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHTTP_Healthz(t *testing.T) {
	f := newHTTPFixture(t, false)
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestHTTP_State(t *testing.T) {
	f := newHTTPFixture(t, false)
	_ = f.store.SetActive(2, true)
	_ = f.store.Update(2, propVolume, 64.0)
	_ = f.store.Update(2, propMute, false)

	resp, err := http.Get(f.srv.URL + "/state")
	if err != nil {
		t.Fatalf("GET /state: %v", err)
	}
	defer resp.Body.Close()

	var got stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Instances) != 2 {
		t.Fatalf("expected 2 instances, got %+v", got)
	}
	if got.Instances[0].Line != "1: - Dead -" || got.Instances[1].Line != "2: 64%" {
		t.Fatalf("unexpected lines %q / %q", got.Instances[0].Line, got.Instances[1].Line)
	}
}

func TestHTTP_Commands(t *testing.T) {
	f := newHTTPFixture(t, false)

	if code, body := f.post(t, "/instances/1/volume", `{"delta": 5}`); code != http.StatusOK {
		t.Fatalf("volume: %d %s", code, body)
	}
	if code, body := f.post(t, "/instances/2/mute/toggle", ``); code != http.StatusOK {
		t.Fatalf("mute: %d %s", code, body)
	}

	deltas, toggles := f.player.snapshot()
	if len(deltas) != 1 || deltas[0] != 5 || toggles != 1 {
		t.Fatalf("deltas=%v toggles=%d", deltas, toggles)
	}
}

func TestHTTP_CommandErrors(t *testing.T) {
	f := newHTTPFixture(t, false)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad id", "/instances/one/mute/toggle", ``, http.StatusBadRequest},
		{"unknown id", "/instances/9/mute/toggle", ``, http.StatusNotFound},
		{"zero delta", "/instances/1/volume", `{"delta": 0}`, http.StatusBadRequest},
		{"bad body", "/instances/1/volume", `up`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := f.post(t, tt.path, tt.body); code != tt.want {
				t.Fatalf("status %d (%s), want %d", code, body, tt.want)
			}
		})
	}

	f.player.mu.Lock()
	f.player.err = ErrSocketUnavailable
	f.player.mu.Unlock()
	if code, _ := f.post(t, "/instances/1/mute/toggle", ``); code != http.StatusServiceUnavailable {
		t.Fatalf("player unavailable: status %d", code)
	}

	f.player.mu.Lock()
	f.player.err = fmt.Errorf("%w: property not found", ErrCommandRejected)
	f.player.mu.Unlock()
	code, body := f.post(t, "/instances/1/volume", `{"delta": 1}`)
	if code != http.StatusBadGateway || !strings.Contains(body, "property not found") {
		t.Fatalf("rejected command: status %d (%s), want %d", code, body, http.StatusBadGateway)
	}
}

func TestHTTP_WebSocketStream(t *testing.T) {
	f := newHTTPFixture(t, true)
	_ = f.store.SetActive(1, true)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first struct {
		Type string      `json:"type"`
		Data wsStateInit `json:"data"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read state_init: %v", err)
	}
	if first.Type != wsTypeStateInit || len(first.Data.Instances) != 2 || !first.Data.Instances[0].Active {
		t.Fatalf("unexpected state_init %+v", first)
	}

	// Give the hub a moment to register the client before changing state.
	time.Sleep(2 * wsCoalesceWindow)
	_ = f.store.Update(1, propVolume, 21.0)

	for {
		var msg struct {
			Type string       `json:"type"`
			Data InstanceView `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read instance_changed: %v", err)
		}
		if msg.Type != wsTypeInstanceChanged || msg.Data.ID != 1 {
			t.Fatalf("unexpected frame %+v", msg)
		}
		if msg.Data.Volume != nil && *msg.Data.Volume == 21 {
			return
		}
	}
}

func TestRunHTTPServer_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- runHTTPServer(ctx, "127.0.0.1:0", http.NotFoundHandler(), func(a net.Addr) { addrCh <- a }, discardLogger())
	}()

	select {
	case <-addrCh:
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(time.Second):
		t.Fatalf("server never became ready")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runHTTPServer returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}
