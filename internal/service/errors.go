package service

import "errors"

var (
	ErrDeviceNotRegistered = errors.New("device not registered")
	ErrDeviceNotOwned      = errors.New("device belongs to another user")
	ErrDeviceRevoked       = errors.New("device has been revoked")
	ErrUserInactive        = errors.New("user account is blocked")
	ErrBatchOwnership      = errors.New("batch id already used by another device")
	ErrInvalidPullCursor   = errors.New("invalid pull cursor")
)
