package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docmill/internal/logging"
	"docmill/internal/queue"
	"docmill/internal/stage"
)

// HealthSource reports per-stage pipeline readiness for /healthz.
type HealthSource interface {
	Health(ctx context.Context) []stage.Health
}

// Server serves /metrics and /healthz on the configured bind address.
type Server struct {
	store   *queue.Store
	metrics *Metrics
	stages  HealthSource
	logger  *slog.Logger
	bind    string
	http    *http.Server
}

// NewServer wires the observability endpoint. stages may be nil when no
// pipeline runs in the process.
func NewServer(bind string, store *queue.Store, m *Metrics, stages HealthSource, logger *slog.Logger) *Server {
	return &Server{
		store:   store,
		metrics: m,
		stages:  stages,
		logger:  logging.NewComponentLogger(logger, "metrics"),
		bind:    bind,
	}
}

// Start begins serving in the background. An empty bind address disables the
// server.
func (s *Server) Start() error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealth)

	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", logging.Error(err))
		}
	}()
	s.logger.Info("metrics server listening", logging.String("bind", listener.Addr().String()))
	return nil
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status string              `json:"status"`
	Jobs   queue.HealthSummary `json:"jobs"`
	Queues map[string]int      `json:"queues,omitempty"`
	Stages []stage.Health      `json:"stages,omitempty"`
	Error  string              `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	status := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		summary, err := s.store.Health(ctx)
		if err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp.Jobs = summary
		}
		if depths, err := s.store.QueueDepths(ctx); err == nil {
			resp.Queues = make(map[string]int, len(depths))
			for lane, depth := range depths {
				resp.Queues[string(lane)] = depth
			}
		}
		if s.stages != nil {
			resp.Stages = s.stages.Health(ctx)
			for _, h := range resp.Stages {
				if !h.Ready && resp.Status == "ok" {
					resp.Status = "degraded"
					status = http.StatusServiceUnavailable
				}
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// ObserveQueueDepths refreshes the queue depth gauges. The daemon calls this
// on its sweep cadence.
func (s *Server) ObserveQueueDepths(ctx context.Context) {
	depths, err := s.store.QueueDepths(ctx)
	if err != nil {
		return
	}
	for _, lane := range []queue.Lane{queue.LaneHigh, queue.LaneDefault, queue.LaneLow} {
		s.metrics.QueueDepth.WithLabelValues(string(lane)).Set(float64(depths[lane]))
	}
}
