package service

import "errors"

var (
	ErrNoTarget         = errors.New("no target selected")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionActive    = errors.New("live session already active for target")
	ErrUnknownCommand   = errors.New("unknown command")
)
