package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "direct domain error",
			err:  E(KindSessionExpired, "session expired"),
			want: KindSessionExpired,
		},
		{
			name: "wrapped domain error",
			err:  fmt.Errorf("failed to confirm deposit: %w", E(KindNotYetConfirmable, "2 of 3 confirmations")),
			want: KindNotYetConfirmable,
		},
		{
			name: "plain error",
			err:  errors.New("disk full"),
			want: KindInternal,
		},
		{
			name: "domain error with cause",
			err:  Wrap(KindUpstreamUnavailable, "quote request failed", errors.New("connection refused")),
			want: KindUpstreamUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(E(KindUpstreamUnavailable, "timeout")))
	assert.True(t, Retryable(E(KindNotYetConfirmable, "waiting for confirmations")))

	assert.False(t, Retryable(E(KindAmountMismatch, "observed 95, expected 100")))
	assert.False(t, Retryable(E(KindSlippageExceeded, "impact 3.2%")))
	assert.False(t, Retryable(errors.New("unknown")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindUpstreamUnavailable, "status poll failed", cause)

	assert.ErrorIs(t, err, cause)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindSessionNotFound))
	assert.Equal(t, http.StatusGone, HTTPStatus(KindSessionExpired))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindSessionTerminal))
	assert.Equal(t, http.StatusAccepted, HTTPStatus(KindNotYetConfirmable))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(KindUpstreamUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}
