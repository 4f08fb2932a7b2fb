package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/volteria/controller/pkg/metrics"
	"github.com/volteria/controller/pkg/types"
)

// Loopback health ports. These five ports are the external contract the
// supervisor and fleet diagnostics probe.
const (
	PortSystem  = 8081
	PortConfig  = 8082
	PortDevice  = 8083
	PortControl = 8084
	PortLogging = 8085
)

// StatusFunc reports the current service status plus service-specific
// fields (device counts, operation mode, sync stats).
type StatusFunc func() (types.ServiceStatus, map[string]any)

// HealthResponse is the /health response body
type HealthResponse struct {
	Status    types.ServiceStatus `json:"status"`
	Service   string              `json:"service"`
	Uptime    int64               `json:"uptime"`
	Timestamp string              `json:"timestamp"`
	Details   map[string]any      `json:"details,omitempty"`
}

// HealthServer exposes GET /health for one service on its loopback port.
type HealthServer struct {
	service  string
	port     int
	statusFn StatusFunc
	started  time.Time

	mux    *http.ServeMux
	server *http.Server
}

// NewHealthServer creates a health server for a service.
func NewHealthServer(service string, port int, statusFn StatusFunc) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		service:  service,
		port:     port,
		statusFn: statusFn,
		mux:      mux,
	}
	mux.HandleFunc("/health", hs.healthHandler)
	return hs
}

// EnableMetrics mounts the prometheus /metrics endpoint; only the system
// service does this so the scrape surface stays on one port.
func (hs *HealthServer) EnableMetrics() {
	hs.mux.Handle("/metrics", metrics.Handler())
}

// Start binds the loopback port and serves in the background. A bind
// failure is returned synchronously so the supervisor sees it at startup.
func (hs *HealthServer) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", hs.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health server %s: %w", hs.service, err)
	}

	hs.started = time.Now()
	hs.server = &http.Server{
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		_ = hs.server.Serve(ln)
	}()
	return nil
}

// Stop shuts the server down.
func (hs *HealthServer) Stop(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// URL returns the loopback health URL for this server.
func (hs *HealthServer) URL() string {
	return HealthURL(hs.port)
}

// HealthURL is the loopback health URL for a port.
func HealthURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", port)
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := types.StatusHealthy
	var details map[string]any
	if hs.statusFn != nil {
		status, details = hs.statusFn()
	}

	response := HealthResponse{
		Status:    status,
		Service:   hs.service,
		Uptime:    int64(time.Since(hs.started).Seconds()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   details,
	}

	code := http.StatusOK
	if status == types.StatusUnhealthy || status == types.StatusStopped {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}
