package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(NotFound("missing")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain error")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestKindOf_UnwrapsWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("while doing thing: %w", Conflict("already exists"))
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{InvalidArgument("bad"), http.StatusBadRequest},
		{Unauthenticated("no"), http.StatusUnauthorized},
		{PermissionDenied("no"), http.StatusForbidden},
		{NotFound("no"), http.StatusNotFound},
		{Conflict("no"), http.StatusConflict},
		{QuotaExceeded("no"), http.StatusPaymentRequired},
		{RateLimited("no"), http.StatusTooManyRequests},
		{FailedPrecondition("no"), http.StatusPreconditionFailed},
		{Unavailable("no"), http.StatusServiceUnavailable},
		{Internal("no"), http.StatusInternalServerError},
		{errors.New("unkinded"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, StatusFor(tc.err))
	}
}

func TestError_UnwrapAndMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindInternal, "failed to connect", cause)

	assert.Equal(t, "failed to connect: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}
