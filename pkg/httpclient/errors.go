package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

// downstreamError mirrors the httputil error envelope.
type downstreamError struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseResponseError consumes and closes a non-2xx response and converts it
// to an AppError, preserving the downstream code when the body uses the
// standard envelope.
func ParseResponseError(resp *http.Response, service string) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s returned status %d (read body: %w)", service, resp.StatusCode, err)
	}

	code, message := "", string(body)
	var env downstreamError
	if json.Unmarshal(body, &env) == nil && env.Error != nil {
		code, message = env.Error.Code, env.Error.Message
	}
	qualified := fmt.Sprintf("%s: %s", service, message)

	var appErr *apperrors.AppError
	switch {
	case resp.StatusCode == http.StatusNotFound:
		appErr = apperrors.NotFound(service+" resource", message)
	case resp.StatusCode == http.StatusBadRequest:
		appErr = apperrors.InvalidInput(qualified)
	case resp.StatusCode == http.StatusUnauthorized:
		appErr = apperrors.Unauthorized(qualified)
	case resp.StatusCode == http.StatusForbidden:
		appErr = apperrors.Forbidden(qualified)
	case resp.StatusCode == http.StatusConflict:
		appErr = apperrors.Conflict(qualified)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		appErr = apperrors.Unprocessable(qualified)
	case resp.StatusCode >= 500:
		return apperrors.ServiceUnavailable(service, fmt.Errorf("status %d: %s", resp.StatusCode, message))
	default:
		return fmt.Errorf("%s returned unexpected status %d: %s", service, resp.StatusCode, message)
	}

	if code != "" {
		appErr = appErr.WithCode(code)
	}
	return appErr
}
