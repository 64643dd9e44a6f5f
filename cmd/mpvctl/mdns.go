package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const mdnsService = "_mpvctl._tcp"

// advertiseHTTP announces the HTTP state server on the LAN until ctx is
// canceled. Clients browse for _mpvctl._tcp and read /state or /ws.
func advertiseHTTP(ctx context.Context, addr net.Addr, instances int, logger *slog.Logger) error {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("mdns: unsupported listen address %v", addr)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "mpvctl"
	}

	txt := []string{
		"path=/state",
		"ws=/ws",
		"instances=" + strconv.Itoa(instances),
	}
	server, err := zeroconf.Register("mpvctl on "+host, mdnsService, "local.", tcp.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	logger.Info("mDNS advertising", "service", mdnsService, "port", tcp.Port)

	<-ctx.Done()
	server.Shutdown()
	logger.Debug("mDNS advertisement stopped")
	return nil
}
