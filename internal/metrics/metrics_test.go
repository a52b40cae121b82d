package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceLabel_FallsBackToHostHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/billing/42", nil)
	req.Host = "billing.internal:8080"
	assert.Equal(t, "billing.internal", serviceLabel(req))
}

func TestServiceLabel_UsesURLHostnameWhenPresent(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://billing.example:8080/v1/billing/42", nil)
	assert.Equal(t, "billing.example", serviceLabel(req))
}

func TestMiddleware_RecordsStatus(t *testing.T) {
	m := New()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/billing/42", nil)
	w := httptest.NewRecorder()
	m.Middleware(next).ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestMiddleware_DefaultsToOKWhenWriteHeaderNeverCalled(t *testing.T) {
	m := New()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	m.Middleware(next).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
