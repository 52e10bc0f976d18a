// Package httpx writes JSON and problem+json responses for the API routes.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

type errorMapping struct {
	target error
	status int
	detail bool
}

var errorMappings = []errorMapping{
	{shared.ErrNotFound, http.StatusNotFound, true},
	{shared.ErrDuplicate, http.StatusConflict, true},
	{shared.ErrInvalidInput, http.StatusBadRequest, true},
	{shared.ErrInvalidCredentials, http.StatusUnauthorized, false},
}

// RespondError writes the problem response matching err. Unknown errors
// become a 500 without detail so internals never leak to clients.
func RespondError(w http.ResponseWriter, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		detail := ""
		if m.detail {
			detail = err.Error()
		}
		Problem(w, m.status, http.StatusText(m.status), detail)
		return
	}
	Problem(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), "")
}
