package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/port"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ============================================================
// Operational endpoints
// ============================================================

const readinessTimeout = 3 * time.Second

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// readyzHandler pings every backing store in parallel. Any failure makes the
// instance unready.
func readyzHandler(checkers []port.HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		services := make([]domain.ServiceHealth, len(checkers))
		g, gctx := errgroup.WithContext(ctx)
		for i, c := range checkers {
			g.Go(func() error {
				services[i] = probe(gctx, c)
				return nil
			})
		}
		_ = g.Wait()

		overall := "healthy"
		for _, s := range services {
			if s.Status != "healthy" {
				overall = "unhealthy"
				logger.Warn("readiness check failed", zap.String("service", s.Name), zap.String("error", s.Error))
			}
		}

		status := http.StatusOK
		if overall != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, domain.HealthStatus{Status: overall, Services: services})
	}
}

func probe(ctx context.Context, c port.HealthChecker) domain.ServiceHealth {
	start := time.Now()
	err := c.Ping(ctx)
	h := domain.ServiceHealth{
		Name:        c.Name(),
		Status:      "healthy",
		LatencyMs:   time.Since(start).Milliseconds(),
		LastChecked: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
	}
	return h
}
