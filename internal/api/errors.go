package api

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/internal/profiler"
	"github.com/samcharles93/tessera/pkg/gpu"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// statusOf maps an error to the HTTP status and error type reported for it.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, profiler.ErrBadRequest),
		errors.Is(err, gpu.ErrUnknownDevice):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	}
	return http.StatusInternalServerError, "server_error"
}
