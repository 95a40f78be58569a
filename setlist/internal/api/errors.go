package api

import (
	"net/http"

	"go_setlist/setlist/internal/apperr"
	"go_setlist/setlist/pkg/types"
)

// retryAfterSeconds is sent with every 503.
const retryAfterSeconds = "5"

// statusOf maps an error kind to its HTTP status.
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindExpired:
		return http.StatusGone
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindCapacityExceeded:
		return http.StatusTooManyRequests
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse builds the client-safe body for err. Causes are never
// included.
func errorResponse(err error) (int, types.ErrorResponse) {
	kind := apperr.KindOf(err)
	resp := types.ErrorResponse{
		Error: apperr.MessageOf(err),
		Code:  string(kind),
	}
	if decisions := apperr.DecisionsOf(err); len(decisions) > 0 {
		resp.Usage = decisions
	}
	return statusOf(kind), resp
}
