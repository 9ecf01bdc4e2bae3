// Package webserver exposes courier's activity over HTTP: a JSON status
// API, a WebSocket feed of live session events, and a small status page.
// It can advertise itself on the local network over mDNS so the watch
// TUI and phones find the daemon without configuration.
package webserver

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/agusx1211/courier/internal/debug"
	"github.com/agusx1211/courier/internal/status"
)

//go:embed static
var staticFS embed.FS

const mdnsServiceType = "_courier._tcp"

// Options configures the web server.
type Options struct {
	// Addr is the host:port to bind. Empty means 127.0.0.1:8799.
	Addr string
	// Advertise enables mDNS advertisement of the bound address.
	Advertise bool
	// Engines names the registered engines, reported on /api/status.
	Engines []string
}

// Server hosts the status API and the WebSocket event feed.
type Server struct {
	tracker    *status.Tracker
	httpServer *http.Server
	host       string
	port       int
	advertise  bool
	engines    []string
	startedAt  time.Time
	mdnsServer *mdns.Server
}

// New builds a server over the tracker. Call Start to begin serving.
func New(tracker *status.Tracker, opts Options) *Server {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "127.0.0.1:8799"
	}
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		host, rawPort = addr, "8799"
	}
	port, _ := strconv.Atoi(rawPort)

	srv := &Server{
		tracker:   tracker,
		host:      host,
		port:      port,
		advertise: opts.Advertise,
		engines:   opts.Engines,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	srv.setupRoutes(mux)
	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           corsMiddleware(logMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (srv *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	mux.HandleFunc("GET /api/version", srv.handleVersion)
	mux.HandleFunc("GET /ws", srv.handleEventsWebSocket)
	mux.HandleFunc("GET /", srv.handleIndex)
}

// Start binds the listener and serves in a background goroutine. A port
// of 0 picks a free one; Addr reports the bound address afterwards.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		srv.port = tcpAddr.Port
		srv.httpServer.Addr = srv.Addr()
	}

	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.LogKV("webserver", "server stopped with error", "error", err)
		}
	}()

	if srv.advertise {
		if err := srv.startMDNS(); err != nil {
			debug.LogKV("webserver", "mdns advertisement failed", "error", err)
		}
	}
	return nil
}

// Shutdown stops the mDNS advertisement and drains the HTTP server.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.mdnsServer != nil {
		_ = srv.mdnsServer.Shutdown()
		srv.mdnsServer = nil
	}
	if srv.httpServer == nil {
		return nil
	}
	return srv.httpServer.Shutdown(ctx)
}

// Addr returns the bound host:port address.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, strconv.Itoa(srv.port))
}

// URL returns the server's base URL.
func (srv *Server) URL() string {
	return "http://" + srv.Addr()
}

func (srv *Server) startMDNS() error {
	if srv.port <= 0 {
		return fmt.Errorf("invalid port for mDNS advertisement: %d", srv.port)
	}
	txtRecords := []string{"url=" + srv.URL()}
	service, err := mdns.NewMDNSService("courier", mdnsServiceType, "local", "", srv.port, nil, txtRecords)
	if err != nil {
		return err
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return err
	}
	srv.mdnsServer = server
	return nil
}
