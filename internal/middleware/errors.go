package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

// errorBody is the JSON envelope returned for every gateway refusal.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// WriteError renders err with the status code its type maps to.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	WriteErrorMessage(w, r, util.HTTPStatus(err), err.Error())
}

// WriteErrorMessage renders the gateway's JSON error envelope and
// records the message on the request's observability record.
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, status int, message string) {
	if rc, ok := observability.RequestFromContext(r.Context()); ok {
		rc.SetError(message)
	}

	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:     message,
		RequestID: observability.RequestIDFromContext(r.Context()),
	})
}
