package server

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/protocol"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// httpRouter builds the HTTP side: Prometheus /metrics, /healthz and the
// websocket line transport.
func (s *Server) httpRouter() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(s.metrics.Collectors()...)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "gotalk",
		Name:      "sessions_active",
		Help:      "Registered sessions, operator included.",
	}, func() float64 { return float64(s.registry.Count()) }))

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(s.cfg.WebSocketPath, s.handleWebSocket).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.stopping.IsSet() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts any origin when none are configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// handleWebSocket upgrades the request and hands the connection to a session
// handler, exactly like an accepted TCP connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.stopping.IsSet() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.spawn(protocol.NewWebSocketConn(conn, r.RemoteAddr))
}

// newHTTPServer wires the router into an http.Server.
func (s *Server) newHTTPServer() *http.Server {
	return &http.Server{
		Handler:           s.httpRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
