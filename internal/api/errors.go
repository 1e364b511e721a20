package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/ember/internal/session"
	"github.com/samcharles93/ember/internal/transformer"
)

var ErrInvalidRequest = errors.New("invalid_request")

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

// errorBody maps an error to its status and wire body.
func errorBody(err error) ErrorBody {
	body := func(status int, msg string) ErrorBody {
		return ErrorBody{Status: status, Message: msg}
	}
	var dpe *session.InvalidDialogPosError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return body(http.StatusNotFound, "Session not found")
	case errors.Is(err, session.ErrSessionBusy):
		return body(http.StatusNotAcceptable, "Session is busy")
	case errors.Is(err, session.ErrSessionDuplicate):
		return body(http.StatusConflict, "Session ID already exists")
	case errors.As(err, &dpe):
		b := body(http.StatusRequestedRangeNotSatisfiable, "Dialog position out of range")
		current := dpe.Current
		b.CurrentDialogPos = &current
		return b
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, session.ErrInvalidToken),
		errors.Is(err, transformer.ErrEmptyInput),
		errors.Is(err, transformer.ErrSequenceTooLong):
		return body(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrClosed):
		return body(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return body(http.StatusServiceUnavailable, "request cancelled before completion")
	default:
		return body(http.StatusInternalServerError, err.Error())
	}
}
