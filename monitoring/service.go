// Package monitoring serves the node's operational HTTP surface: health,
// Prometheus metrics and the live status report.
package monitoring

import (
	"context"
	"net/http"
	"runtime/debug"
	"runtime/pprof"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/teleportal-io/teleportal/runtime"
	"github.com/teleportal-io/teleportal/server"
)

var log = logrus.WithField("prefix", "monitoring")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config configures the monitoring service.
type Config struct {
	// Addr is the host:port to listen on. An empty host matches any IP.
	Addr string
	// Registry is the metrics registry served at /metrics.
	Registry *prometheus.Registry
	// Services supplies per-service health for /health.
	Services *runtime.ServiceRegistry
	// Report supplies the /status body.
	Report func() server.StatusReport
	// AllowedOrigins restricts CORS; empty allows any origin.
	AllowedOrigins []string
}

// Service exposes the monitoring endpoints over HTTP.
type Service struct {
	cfg        *Config
	server     *http.Server
	started    time.Time
	failStatus error
}

// healthResponse is the /health body.
type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// New sets up a monitoring service for the given address.
func New(cfg *Config) *Service {
	s := &Service{cfg: cfg}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	router.HandleFunc("/goroutinez", s.goroutinezHandler).Methods(http.MethodGet)
	if cfg.Registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})
	s.server = &http.Server{Addr: cfg.Addr, Handler: c.Handler(router)}
	return s
}

func (s *Service) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Checks:    make(map[string]string),
	}
	if s.cfg.Services != nil {
		for name, err := range s.cfg.Services.Statuses() {
			if err != nil {
				resp.Status = "degraded"
				resp.Checks[name] = "error: " + err.Error()
			} else {
				resp.Checks[name] = "ok"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusInternalServerError)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithError(err).Error("Could not write health body")
	}
}

func (s *Service) statusHandler(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Report == nil {
		http.Error(w, "status report unavailable", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cfg.Report()); err != nil {
		log.WithError(err).Error("Could not write status body")
	}
}

func (s *Service) goroutinezHandler(w http.ResponseWriter, _ *http.Request) {
	// #nosec G104
	w.Write(debug.Stack())
	// #nosec G104
	pprof.Lookup("goroutine").WriteTo(w, 2)
}

// Start begins serving in the background.
func (s *Service) Start() {
	s.started = time.Now()
	log.WithField("endpoint", s.server.Addr).Info("Starting monitoring service")
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Errorf("Could not listen on %s", s.server.Addr)
			s.failStatus = err
		}
	}()
}

// Stop shuts the HTTP server down gracefully.
func (s *Service) Stop() error {
	log.Info("Stopping monitoring service")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status checks for any service failure conditions.
func (s *Service) Status() error {
	return s.failStatus
}
