package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-syncroom/internal/types"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
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

func newApiError(status int) *ApiError {
	return &ApiError{
		StatusCode: status,
		Message:    strings.ToLower(http.StatusText(status)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

func NewTooManyRequestsError() *ApiError {
	return newApiError(http.StatusTooManyRequests)
}

// apiErrorFrom maps an engine error to its HTTP form. Client errors carry
// the error text; internal errors do not.
func apiErrorFrom(err error) *ApiError {
	var e *ApiError
	switch {
	case errors.Is(err, types.ErrNotFound):
		e = NewNotFoundError()
	case errors.Is(err, types.ErrForbidden):
		e = NewForbiddenError()
	case errors.Is(err, types.ErrRateLimited):
		e = NewTooManyRequestsError()
	case errors.Is(err, types.ErrInvalidInput):
		e = NewBadRequestError()
	default:
		return NewInternalServerError(err)
	}

	e.Message = err.Error()
	e.Err = err
	return e
}
