// Package supabase stores cards, transactions, users, API keys and payment
// links in Supabase through its PostgREST API.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/observability"
	"github.com/boddenberg/starbank-bfa-go/internal/infra/resilience"
)

var tracer = otel.Tracer("supabase")

const backendName = "supabase"

// Client wraps HTTP calls to Supabase PostgREST API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	serviceRoleKey string
	guard          *resilience.Guard
	metrics        *observability.Metrics
	logger         *zap.Logger
}

// NewClient creates a Supabase client. Every call goes through one
// bulkhead, circuit breaker, retry and per-call timeout.
func NewClient(httpClient *http.Client, baseURL, apiKey, serviceRoleKey string, cfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		serviceRoleKey: serviceRoleKey,
		guard:          resilience.NewGuard(backendName, cfg),
		metrics:        metrics,
		logger:         logger,
	}
}

// Name implements port.HealthChecker.
func (c *Client) Name() string { return backendName }

// Ping implements port.HealthChecker.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "Ping", func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodGet, "cards?select=id&limit=1", nil, "")
		return err
	})
}

// call runs fn under the resilience guard inside a span and maps failures.
// Domain errors pass through untouched; everything else becomes
// ErrCircuitOpen or ErrExternalService.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "Supabase."+op)
	defer span.End()

	err := c.guard.Do(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if isDomainError(err) {
				return resilience.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.metrics.IncrExternalError(backendName)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: backendName}
	}
	return &domain.ErrExternalService{Service: fmt.Sprintf("%s/%s", backendName, op), Err: err}
}

func isDomainError(err error) bool {
	var (
		nf       *domain.ErrNotFound
		stale    *domain.ErrStaleWrite
		conflict *domain.ErrConflict
		valid    *domain.ErrValidation
	)
	return errors.As(err, &nf) || errors.As(err, &stale) || errors.As(err, &conflict) || errors.As(err, &valid)
}
