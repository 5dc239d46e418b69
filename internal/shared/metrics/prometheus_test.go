package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/api/v1/evidence", "/api/v1/evidence"},
		{"/api/v1/evidence/6ba7b810-9dad-11d1-80b4-00c04fd430c8", "/api/v1/evidence/{id}"},
		{"/api/v1/evidence/6ba7b810-9dad-11d1-80b4-00c04fd430c8/verify", "/api/v1/evidence/{id}/verify"},
		{"/api/v1/evidence/not-an-id", "/api/v1/evidence/not-an-id"},
	}

	for _, tt := range tests {
		if got := normalizePath(tt.in); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMiddlewareCountsStatus(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/brew", "418"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/brew", "418"))

	if after-before != 1 {
		t.Errorf("Expected one counted request, got %v", after-before)
	}
}
