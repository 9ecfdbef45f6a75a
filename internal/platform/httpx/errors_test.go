package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

type codedErr struct {
	status int
	code   string
}

func (e codedErr) Error() string       { return "coded failure" }
func (e codedErr) HTTPStatus() int     { return e.status }
func (e codedErr) ProblemCode() string { return e.code }

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	return p
}

func TestRespondErrorCoded(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, fmt.Errorf("wrapped: %w", codedErr{status: http.StatusConflict, code: "INSUFFICIENT_STOCK"}))

	require.Equal(t, http.StatusConflict, rr.Code)
	p := decodeProblem(t, rr)
	require.Equal(t, "INSUFFICIENT_STOCK", p.Code)
	require.Equal(t, "coded failure", p.Detail)
}

func TestRespondErrorHidesServerDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, codedErr{status: http.StatusServiceUnavailable, code: "STORAGE_FAILURE"})

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	p := decodeProblem(t, rr)
	require.Empty(t, p.Detail)
	require.Equal(t, "STORAGE_FAILURE", p.Code)
}

func TestRespondErrorFallbacks(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"deadline":  {err: context.DeadlineExceeded, status: http.StatusGatewayTimeout},
		"not found": {err: fmt.Errorf("product 3: %w", shared.ErrNotFound), status: http.StatusNotFound},
		"forbidden": {err: shared.ErrForbidden, status: http.StatusForbidden},
		"unknown":   {err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			RespondError(rr, tc.err)
			require.Equal(t, tc.status, rr.Code)
		})
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var target struct {
		Quantity json.Number `json:"quantity"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity": 5, "extra": true}`))
	require.Error(t, DecodeJSON(req, &target))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity": 5}`))
	require.NoError(t, DecodeJSON(req, &target))
	require.Equal(t, json.Number("5"), target.Quantity)
}
