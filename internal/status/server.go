package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/msageha/taskvault/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Server serves /healthz, /status and /metrics.
type Server struct {
	collector  *Collector
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(addr string, collector *Collector, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{collector: collector, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("status_server_listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// handleHealth answers 200 when every component runs and no domain is down, 503
// otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	r, err := s.collector.Collect()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	code, state := http.StatusOK, "ok"
	if !r.Healthy() {
		code, state = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, code, map[string]string{"status": state})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r, err := s.collector.Collect()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
