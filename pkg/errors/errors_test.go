package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOfTypedErrors(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(Validation("bad %s", "input")))
	assert.Equal(t, KindUnknownSource, KindOf(UnknownSource("x")))
	assert.Equal(t, KindRateLimitExceeded, KindOf(RateLimitExceeded("x", time.Second)))
	assert.Equal(t, KindCircuitOpen, KindOf(CircuitOpen("x", time.Now())))
	assert.Equal(t, KindAdapter, KindOf(Adapter("x", fmt.Errorf("boom"))))
	assert.Equal(t, KindUnknown, KindOf(fmt.Errorf("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestKindOfFoldsContextErrors(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("call failed: %w", context.DeadlineExceeded)))
}

func TestKindOfWrappedTypedError(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", UnknownSource("x"))
	assert.Equal(t, KindUnknownSource, KindOf(wrapped))
	assert.False(t, IsTimeout(wrapped))
}

func TestAdapterUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Adapter("alpha", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "alpha")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(Validation("bad")))
	assert.True(t, IsTerminal(ComplianceViolation("x", []string{"r"})))
	assert.True(t, IsTerminal(UnknownSource("x")))
	assert.True(t, IsTerminal(Cancelled()))

	assert.False(t, IsTerminal(Timeout("x")))
	assert.False(t, IsTerminal(RateLimitExceeded("x", time.Second)))
	assert.False(t, IsTerminal(CircuitOpen("x", time.Now())))
	assert.False(t, IsTerminal(Adapter("x", nil)))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("bad")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(UnknownSource("x")))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(ComplianceViolation("x", nil)))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(RateLimitExceeded("x", time.Second)))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(AllSourcesFailed(nil)))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(Timeout("x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(CircuitOpen("x", time.Now())))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("plain")))
}

func TestAllSourcesFailedMessage(t *testing.T) {
	err := AllSourcesFailed([]SourceFailure{
		{SourceID: "a", Kind: KindTimeout.String()},
		{SourceID: "b", Kind: KindAdapter.String(), Message: "boom"},
	})
	assert.Contains(t, err.Error(), "all 2 candidate sources failed")
	assert.Len(t, err.PerSource, 2)
}
