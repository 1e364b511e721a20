package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionBusy      = errors.New("session is busy")
	ErrSessionDuplicate = errors.New("session id already exists")
	ErrInvalidToken     = errors.New("token id outside the vocabulary")
	ErrClosed           = errors.New("session manager closed")
)

// InvalidDialogPosError is returned when a request rewinds to a dialog
// the session does not have. Current is the number of dialogs held.
type InvalidDialogPosError struct {
	Requested int
	Current   int
}

func (e *InvalidDialogPosError) Error() string {
	return fmt.Sprintf("dialog position %d out of range (current %d)", e.Requested, e.Current)
}
