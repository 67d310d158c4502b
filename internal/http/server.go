package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ConsumerStatus is an interface for checking Kafka consumer join state.
type ConsumerStatus interface {
	IsJoined() bool
}

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv       *http.Server
	dbChecker DBChecker
	consumer  ConsumerStatus
	logger    *zap.Logger
}

func NewServer(addr string, dbChecker DBChecker, consumer ConsumerStatus, logger *zap.Logger) *Server {
	s := &Server{
		dbChecker: dbChecker,
		consumer:  consumer,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Check PostgreSQL.
	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	} else {
		checks["postgres"] = "error"
		allOK = false
	}

	// Check the Kafka consumer.
	if s.consumer != nil && s.consumer.IsJoined() {
		checks["kafka"] = "ok"
	} else {
		checks["kafka"] = "not_joined"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
