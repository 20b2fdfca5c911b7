package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgate/internal/observability"
)

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	t.Parallel()

	var requestID, correlationID string
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID = observability.RequestIDFromContext(r.Context())
		correlationID = observability.CorrelationIDFromContext(r.Context())
	}), RequestID())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	_, err := uuid.Parse(requestID)
	require.NoError(t, err)
	assert.Equal(t, requestID, correlationID)
	assert.Equal(t, requestID, rec.Header().Get(HeaderXRequestID))
}

func TestRequestID_HonorsInboundHeaders(t *testing.T) {
	t.Parallel()

	var requestID, correlationID string
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID = observability.RequestIDFromContext(r.Context())
		correlationID = observability.CorrelationIDFromContext(r.Context())
	}), RequestID())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderXRequestID, "req-inbound")
	r.Header.Set(HeaderXCorrelationID, "corr-inbound")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	assert.Equal(t, "req-inbound", requestID)
	assert.Equal(t, "corr-inbound", correlationID)
	assert.Equal(t, "req-inbound", rec.Header().Get(HeaderXRequestID))
}

func TestRequestID_CorrelationDefaultsToRequestID(t *testing.T) {
	t.Parallel()

	var correlationID string
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID = observability.CorrelationIDFromContext(r.Context())
	}), RequestID())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderXRequestID, "req-55")

	handler.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, "req-55", correlationID)
}
