package gateway

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passThrough() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestHardening_AllowsCleanRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents?page=1", nil)
	rec := httptest.NewRecorder()

	Hardening(passThrough()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHardening_RejectsSingleTraversalSegment(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/../secret", nil)
	rec := httptest.NewRecorder()

	Hardening(passThrough()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHardening_RejectsSQLInjectionInQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents?q=foo'%20OR%20'1'='1", nil)
	rec := httptest.NewRecorder()

	Hardening(passThrough()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHardening_RejectsPatternInHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	req.Header.Set("X-Custom", "<script>alert(1)</script>")
	rec := httptest.NewRecorder()

	Hardening(passThrough()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHardening_IgnoresPatternInAuthorizationHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer ../../etc/passwd")
	rec := httptest.NewRecorder()

	Hardening(passThrough()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "opaque credential headers must not be scanned")
}

func TestHardening_RejectsPatternInJSONBody(t *testing.T) {
	body := bytes.NewBufferString(`{"query": "'; DROP TABLE users;--"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rag/query", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	Hardening(passThrough()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHardening_PreservesBodyForDownstreamHandler(t *testing.T) {
	const payload = `{"query": "what is the refund policy"}`
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, len(payload))
		n, _ := r.Body.Read(b)
		seen = string(b[:n])
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rag/query", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	Hardening(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, seen, "handler must still be able to read the body after hardening scans it")
}

func TestHardening_SkipsBinaryMultipartBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", bytes.NewBufferString("\x00\x01../../binary-garbage"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec := httptest.NewRecorder()

	Hardening(passThrough()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "multipart uploads are not scanned as JSON")
}
