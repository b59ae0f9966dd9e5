package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/zmlAEQ/mlsnet/pkg/logger"
	"github.com/zmlAEQ/mlsnet/pkg/metrics"
)

// Service is a component with an explicit start/stop lifetime.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	svcs    []Service
	started int
}

func New() *Manager { return &Manager{} }

func (m *Manager) Add(s Service) { m.svcs = append(m.svcs, s) }

// StartAll starts every service. If one fails, the ones already started are
// stopped again before the error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	for i, s := range m.svcs {
		begin := time.Now()
		if err := s.Start(ctx); err != nil {
			logger.ErrorJ("service_op", map[string]any{"service": s.Name(), "op": "start", "result": "error", "err": err.Error()})
			m.started = i
			_ = m.StopAll(context.Background())
			return fmt.Errorf("start %s: %w", s.Name(), err)
		}
		dur := time.Since(begin).Milliseconds()
		logger.InfoJ("service_op", map[string]any{"service": s.Name(), "op": "start", "result": "ok", "latency_ms": dur})
		metrics.ObserveSummary("service_op_ms", map[string]string{"service": s.Name(), "op": "start"}, float64(dur))
	}
	m.started = len(m.svcs)
	return nil
}

// StopAll stops started services in reverse order and returns every error.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs error
	for i := m.started - 1; i >= 0; i-- {
		s := m.svcs[i]
		if err := s.Stop(ctx); err != nil {
			logger.ErrorJ("service_op", map[string]any{"service": s.Name(), "op": "stop", "result": "error", "err": err.Error()})
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", s.Name(), err))
			continue
		}
		logger.InfoJ("service_op", map[string]any{"service": s.Name(), "op": "stop", "result": "ok"})
	}
	m.started = 0
	return errs
}
