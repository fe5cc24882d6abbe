package service

import "errors"

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissionNotActive  = errors.New("mission is not active")
	ErrStoreWrite        = errors.New("store write failed")
)
