package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// Mirrors the controller's websocket envelope. Only the fields we print.
type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type instanceView struct {
	ID     int      `json:"id"`
	Volume *float64 `json:"volume"`
	Muted  bool     `json:"muted"`
	Active bool     `json:"active"`
	Line   string   `json:"line"`
}

type stateInit struct {
	Instances []instanceView `json:"instances"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:3001/ws", "mpvctl state websocket URL")
		raw   = flag.Bool("raw", false, "Print frames as received instead of one line per instance")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Pings and the close frame come from different goroutines.
	var writeMu sync.Mutex

	// The server pings every 20s; keep our own deadline a bit longer.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}

			switch messageType {
			case websocket.TextMessage:
				if *raw {
					fmt.Printf("%s\n", message)
					continue
				}
				handleTextMessage(message)
			case websocket.BinaryMessage:
				fmt.Printf("[BINARY] %d bytes\n", len(message))
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// handleTextMessage prints state_init and instance_changed frames, one line
// per instance, and anything else pretty-printed.
func handleTextMessage(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	switch env.Type {
	case "state_init":
		var si stateInit
		if err := json.Unmarshal(env.Data, &si); err != nil {
			log.Printf("bad state_init: %v", err)
			return
		}
		for _, inst := range si.Instances {
			printInstance("INIT", inst)
		}

	case "instance_changed":
		var inst instanceView
		if err := json.Unmarshal(env.Data, &inst); err != nil {
			log.Printf("bad instance_changed: %v", err)
			return
		}
		printInstance("CHANGED", inst)

	default:
		var pretty any
		_ = json.Unmarshal(message, &pretty)
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("[%s]\n%s\n\n", env.Type, string(out))
	}
}

func printInstance(tag string, inst instanceView) {
	vol := "???"
	if inst.Volume != nil {
		vol = fmt.Sprintf("%.1f", *inst.Volume)
	}
	fmt.Printf("[%s] %-14s volume=%s muted=%t active=%t\n", tag, inst.Line, vol, inst.Muted, inst.Active)
}
