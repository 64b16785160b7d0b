package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDReplacesOversizedHeader(t *testing.T) {
	s := &Server{logger: quietLogger()}
	var seen string
	h := s.requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, strings.Repeat("x", maxRequestIDLen+1))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.NotEmpty(t, seen)
	assert.LessOrEqual(t, len(seen), maxRequestIDLen)
	assert.Equal(t, seen, rec.Header().Get(requestIDHeader))
}

func TestRecoverWritesJSON(t *testing.T) {
	s := &Server{logger: quietLogger(), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:19006"})

	req := httptest.NewRequest(http.MethodGet, "/ws/u1", nil)
	assert.True(t, check(req), "native clients send no origin")

	req.Header.Set("Origin", "http://localhost:19006")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}
