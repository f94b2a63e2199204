package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- AppError behavior ---

func TestAppError_ErrorString(t *testing.T) {
	inner := fmt.Errorf("db connection lost")
	appErr := &AppError{Code: "INTERNAL_ERROR", Message: "something broke", Err: inner}
	assert.Equal(t, "INTERNAL_ERROR: something broke: db connection lost", appErr.Error())

	bare := &AppError{Code: "NOT_FOUND", Message: "order not found"}
	assert.Equal(t, "NOT_FOUND: order not found", bare.Error())
}

func TestAppError_WithCodeKeepsStatusAndSentinel(t *testing.T) {
	base := Conflict("not enough stock")
	coded := base.WithCode("INSUFFICIENT_STOCK")

	assert.Equal(t, "INSUFFICIENT_STOCK", coded.Code)
	assert.Equal(t, http.StatusConflict, coded.Status)
	assert.True(t, errors.Is(coded, ErrConflict))
	assert.Equal(t, "CONFLICT", base.Code, "original must not be mutated")
}

func TestAppError_WithDetails(t *testing.T) {
	err := Conflict("not enough stock").WithDetails(map[string]any{"product_id": "p-1", "available": 1})
	assert.Equal(t, "p-1", err.Details["product_id"])
	assert.Equal(t, 1, err.Details["available"])
}

// --- Constructors ---

func TestConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		code     string
		status   int
		sentinel error
	}{
		{"not found", NotFound("order", "o-1"), "NOT_FOUND", http.StatusNotFound, ErrNotFound},
		{"invalid input", InvalidInput("bad"), "INVALID_INPUT", http.StatusBadRequest, ErrInvalidInput},
		{"unauthorized", Unauthorized("no token"), "UNAUTHORIZED", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", Forbidden("not yours"), "FORBIDDEN", http.StatusForbidden, ErrForbidden},
		{"conflict", Conflict("version mismatch"), "CONFLICT", http.StatusConflict, ErrConflict},
		{"unprocessable", Unprocessable("inactive"), "UNPROCESSABLE", http.StatusUnprocessableEntity, ErrUnprocessable},
		{"unavailable", ServiceUnavailable("address-service", fmt.Errorf("timeout")), "SERVICE_UNAVAILABLE", http.StatusServiceUnavailable, ErrServiceUnavail},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NotNil(t, tc.err)
			assert.Equal(t, tc.code, tc.err.Code)
			assert.Equal(t, tc.status, tc.err.Status)
			assert.ErrorIs(t, tc.err, tc.sentinel)
		})
	}
}

func TestNotFound_Message(t *testing.T) {
	err := NotFound("order", "abc-123")
	assert.Equal(t, "order with id abc-123 not found", err.Message)
}

func TestInternal_WrapsCause(t *testing.T) {
	cause := fmt.Errorf("pool closed")
	err := Internal(cause)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.ErrorIs(t, err, cause)
}

// --- HTTPStatus / Code ---

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(fmt.Errorf("get order: %w", NotFound("order", "1"))))
	assert.Equal(t, http.StatusConflict, HTTPStatus(fmt.Errorf("save: %w", ErrConflict)))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ErrServiceUnavail))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(ErrUnprocessable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("boom")))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "FORBIDDEN", Code(fmt.Errorf("wrap: %w", Forbidden("x"))))
	assert.Equal(t, "", Code(fmt.Errorf("plain")))
}

func TestWrap(t *testing.T) {
	err := Wrap(ErrNotFound, "load cart")
	assert.Equal(t, "load cart: resource not found", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)
}
