package model

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrSlotUnavailable  = errors.New("slot unavailable")
	ErrValidation       = errors.New("validation error")
	ErrPermissionDenied = errors.New("permission denied")
)
