package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-opschat/internal/errs"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Kind       string `json:"kind,omitempty"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Kind:       errs.KindInternal.String(),
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Message:    lower(http.StatusText(http.StatusUnauthorized)),
	}
}

// NewApiError maps a service error onto its HTTP status. Internal errors
// keep the cause for logging but never expose it.
func NewApiError(err error) *ApiError {
	kind := errs.KindOf(err)

	var status int
	switch kind {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindForbidden:
		status = http.StatusForbidden
	case errs.KindConflict:
		status = http.StatusConflict
	default:
		return NewInternalServerError(err)
	}

	return &ApiError{
		StatusCode: status,
		Kind:       kind.String(),
		Message:    err.Error(),
	}
}
