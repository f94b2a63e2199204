// Package client talks to the collaborators this service does not own: the
// user service's address book and the payment service's verification API.
package client

import (
	"errors"
	"log/slog"
	"strings"

	apperrors "github.com/utafrali/orderflow/pkg/errors"
	"github.com/utafrali/orderflow/pkg/httpclient"
)

// envelope is the standard {data, error} response body.
type envelope[T any] struct {
	Data T `json:"data"`
}

// NewGuardedDoer returns an HTTP client with retries behind a circuit breaker
// named after the downstream service.
func NewGuardedDoer(service string, cfg httpclient.Config, logger *slog.Logger) httpclient.Doer {
	return httpclient.NewCircuitBreakerClient(
		httpclient.New(cfg),
		httpclient.DefaultCircuitBreakerConfig(service),
		logger,
	)
}

// unavailable converts transport failures into ServiceUnavailable while
// keeping errors the downstream already classified.
func unavailable(service string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.ServiceUnavailable(service, err)
}

func joinURL(base string, parts ...string) string {
	return strings.TrimRight(base, "/") + "/" + strings.Join(parts, "/")
}
