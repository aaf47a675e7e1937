package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpointKey_FallsBackToPathWithoutChiContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/documents/123", nil)

	assert.Equal(t, "GET /api/v1/documents/123", endpointKey(req))
}
