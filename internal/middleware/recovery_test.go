package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vyrodovalexey/svcgate/internal/observability"
)

func TestRecovery_PanicAnswersBadGateway(t *testing.T) {
	t.Parallel()

	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), Recovery(observability.NopLogger()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders/1", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "internal gateway error", decodeErrorBody(t, rec).Error)
}

func TestRecovery_PassesThroughNormalResponses(t *testing.T) {
	t.Parallel()

	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}), Recovery(observability.NopLogger()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "created", rec.Body.String())
}

func TestRecovery_EnvelopeCarriesRequestID(t *testing.T) {
	t.Parallel()

	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), RequestID(), Recovery(observability.NopLogger()))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderXRequestID, "req-panic")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	assert.Equal(t, "req-panic", decodeErrorBody(t, rec).RequestID)
}
