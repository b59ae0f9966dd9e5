// Package monitoring serves /metrics and /status over HTTP.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/zmlAEQ/mlsnet/pkg/logger"
	"github.com/zmlAEQ/mlsnet/pkg/metrics"
)

// StatusFunc returns a JSON-encodable snapshot of the node.
type StatusFunc func() any

type Service struct {
	addr   string
	status StatusFunc
	srv    *http.Server
	ln     net.Listener
}

func New(addr string, status StatusFunc) *Service {
	return &Service{addr: addr, status: status}
}

func (s *Service) Name() string { return "monitoring" }

// Handler exposes the routes without a listener.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var v any = struct{}{}
		if s.status != nil {
			v = s.status()
		}
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.ErrorJ("monitoring", map[string]any{"route": "/status", "result": "error", "err": err.Error()})
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Addr returns the bound address once started.
func (s *Service) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorJ("monitoring", map[string]any{"op": "serve", "result": "error", "err": err.Error()})
		}
	}()
	logger.InfoJ("monitoring", map[string]any{"op": "listen", "addr": ln.Addr().String()})
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
