package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/core-tools/hsu-mounter/pkg/errors"
	"github.com/core-tools/hsu-mounter/pkg/logging"
)

// Server exposes /metrics over HTTP
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   logging.Logger
}

// NewServer binds address right away so that a busy port is a startup error
func NewServer(address string, metrics *Metrics, logger logging.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewIOError("failed to listen for metrics", err).WithContext("address", address)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr is the bound address, useful when listening on port 0
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Start() {
	s.logger.Infof("Serving metrics on http://%s/metrics", s.Addr())
	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Metrics server failed: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warnf("Metrics server shutdown: %v", err)
	}
	// Not closed by Shutdown when Start was never called
	_ = s.listener.Close()
	s.logger.Infof("Metrics server stopped")
}
