package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func serveHeaders(t *testing.T, h Headers, req *http.Request) http.Header {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)
	return rec.Result().Header
}

func TestHeadersOverTLS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://payments.example/api/v1/payments", nil)
	req.TLS = &tls.ConnectionState{}

	hdr := serveHeaders(t, Headers{Enable: true, EnableHSTS: true, HSTSIncludeSubdomains: true}, req)
	require.Equal(t, "nosniff", hdr.Get("X-Content-Type-Options"))
	require.Equal(t, "no-store", hdr.Get("Cache-Control"))
	require.Equal(t, "DENY", hdr.Get("X-Frame-Options"))
	require.Equal(t, "max-age=31536000; includeSubDomains", hdr.Get("Strict-Transport-Security"))
}

func TestHeadersHSTSBehindProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://payments.internal/health/live", nil)
	req.Header.Set("X-Forwarded-Proto", "HTTPS")

	hdr := serveHeaders(t, Headers{Enable: true, EnableHSTS: true, HSTSMaxAge: 600}, req)
	require.Empty(t, hdr.Get("Strict-Transport-Security"), "forwarded proto is ignored unless trusted")

	hdr = serveHeaders(t, Headers{Enable: true, EnableHSTS: true, HSTSMaxAge: 600, TrustForwardedProto: true}, req)
	require.Equal(t, "max-age=600", hdr.Get("Strict-Transport-Security"))
}

func TestHeadersDisabled(t *testing.T) {
	hdr := serveHeaders(t, Headers{EnableHSTS: true}, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Empty(t, hdr.Get("X-Content-Type-Options"))
	require.Empty(t, hdr.Get("Cache-Control"))
}
