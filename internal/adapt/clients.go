package adapt

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"TradeGuard/internal/domain/models"
	xhttp "TradeGuard/pkg/http"
)

// newBreaker builds the circuit breaker guarding one external interface.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	return gobreaker.NewCircuitBreaker(st)
}

// HTTPModelRegistry talks to the external model-scoring registry.
type HTTPModelRegistry struct {
	baseURL string
	client  *xhttp.Client
}

// NewHTTPModelRegistry creates a registry client with a per-call timeout.
func NewHTTPModelRegistry(baseURL string, timeout time.Duration) *HTTPModelRegistry {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPModelRegistry{
		baseURL: baseURL,
		client:  xhttp.NewClient(xhttp.WithTimeout(timeout)),
	}
}

func (r *HTTPModelRegistry) GetActive(ctx context.Context) (models.ModelHandle, error) {
	var h models.ModelHandle
	err := r.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodGet,
		URL:    r.baseURL + "/models/active",
	}, &h)
	return h, err
}

func (r *HTTPModelRegistry) ProposeCandidate(ctx context.Context, criteria map[string]string) (models.ModelHandle, error) {
	var h models.ModelHandle
	err := r.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:  xhttp.MethodPost,
		URL:     r.baseURL + "/models/candidate",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    criteria,
	}, &h)
	return h, err
}

func (r *HTTPModelRegistry) Promote(ctx context.Context, h models.ModelHandle) error {
	return r.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:  xhttp.MethodPost,
		URL:     r.baseURL + "/models/promote",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    h,
	}, nil)
}

func (r *HTTPModelRegistry) Rollback(ctx context.Context) error {
	return r.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    r.baseURL + "/models/rollback",
	}, nil)
}

// HTTPExecutionControl talks to the order-execution halt/resume surface.
type HTTPExecutionControl struct {
	baseURL string
	client  *xhttp.Client
}

// NewHTTPExecutionControl creates an execution-control client.
func NewHTTPExecutionControl(baseURL string, timeout time.Duration) *HTTPExecutionControl {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPExecutionControl{
		baseURL: baseURL,
		client:  xhttp.NewClient(xhttp.WithTimeout(timeout)),
	}
}

func (e *HTTPExecutionControl) Halt(ctx context.Context) error {
	return e.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    e.baseURL + "/execution/halt",
	}, nil)
}

func (e *HTTPExecutionControl) Resume(ctx context.Context, limits models.RiskLimits) error {
	return e.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:  xhttp.MethodPost,
		URL:     e.baseURL + "/execution/resume",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    limits,
	}, nil)
}
