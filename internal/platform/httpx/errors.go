// Package httpx provides HTTP response utilities.
package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

// CodedError is implemented by domain errors that choose their own HTTP
// status and machine-readable code.
type CodedError interface {
	error
	HTTPStatus() int
	ProblemCode() string
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var coded CodedError
	switch {
	case errors.As(err, &coded):
		status := coded.HTTPStatus()
		detail := coded.Error()
		if status >= http.StatusInternalServerError {
			detail = ""
		}
		ProblemWithCode(w, status, http.StatusText(status), detail, coded.ProblemCode())
	case errors.Is(err, context.DeadlineExceeded):
		Problem(w, http.StatusGatewayTimeout, "Timeout", "")
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
