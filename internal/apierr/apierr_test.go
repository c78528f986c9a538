package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCamelToSnake(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"NoSuchAccount", "no_such_account"},
		{"BadRequest", "bad_request"},
		{"InvalidProxyUrl", "invalid_proxy_url"},
		{"QoutaExceeded", "qouta_exceeded"},
		{"Blacklisted", "blacklisted"},
		{"LengthRequired", "length_required"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CamelToSnake(tt.in))
	}
}

func TestKindStatuses(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{BadRequest, http.StatusBadRequest},
		{InvalidMethod, http.StatusMethodNotAllowed},
		{LengthRequired, http.StatusLengthRequired},
		{PayloadTooLarge, http.StatusRequestEntityTooLarge},
		{NoSuchAccount, http.StatusNotFound},
		{Deplorable, http.StatusForbidden},
		{QoutaExceeded, http.StatusTooManyRequests},
		{Blacklisted, http.StatusUnavailableForLegalReasons},
		{InternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, tt.kind.Status(), tt.kind.Name())
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(InvalidImage, "decode failed", cause)

	require.ErrorIs(t, err, cause)
	assert.True(t, errors.Is(err, New(InvalidImage, "")))
	assert.False(t, errors.Is(err, New(NotFound, "")))

	var kindErr *Error
	require.True(t, errors.As(fmt.Errorf("handler: %w", err), &kindErr))
	assert.Equal(t, InvalidImage, kindErr.Kind)
}

func TestErrorInfo(t *testing.T) {
	err := New(QoutaExceeded, "upload quota exhausted").WithInfo("reset", 1234)
	assert.Equal(t, 1234, err.Info["reset"])
	assert.Equal(t, "qouta_exceeded", err.Kind.SnakeName())
}
