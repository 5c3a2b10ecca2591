package service

import (
	"context"
	"errors"

	"fieldsync-server/internal/domain"
	"fieldsync-server/internal/repository"
)

// AccessService answers whether an authenticated (user, device) pair may sync.
type AccessService struct {
	devices repository.DeviceRepository
	users   repository.UserRepository
}

func NewAccessService(devices repository.DeviceRepository, users repository.UserRepository) *AccessService {
	return &AccessService{
		devices: devices,
		users:   users,
	}
}

// Status reports device and user activity. A device that is unknown or owned
// by someone else is reported inactive.
func (s *AccessService) Status(ctx context.Context, id domain.Identity) (*domain.AccessStatus, error) {
	status := &domain.AccessStatus{}

	device, err := s.devices.FindByID(ctx, id.DeviceID)
	switch {
	case err == nil:
		status.DeviceActive = device.UserID == id.UserID && !device.IsRevoked
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	user, err := s.users.FindByID(ctx, id.UserID)
	switch {
	case err == nil:
		status.UserActive = user.IsActive
		status.UserRole = user.Role
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	return status, nil
}

// Verify fails for unknown or foreign devices. With allowInactive set, a
// revoked device or blocked user still passes so it can learn its status.
func (s *AccessService) Verify(ctx context.Context, id domain.Identity, allowInactive bool) error {
	device, err := s.devices.FindByID(ctx, id.DeviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrDeviceNotRegistered
	}
	if err != nil {
		return err
	}
	if device.UserID != id.UserID {
		return ErrDeviceNotOwned
	}
	if allowInactive {
		return nil
	}
	if device.IsRevoked {
		return ErrDeviceRevoked
	}

	user, err := s.users.FindByID(ctx, id.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrUserInactive
	}
	if err != nil {
		return err
	}
	if !user.IsActive {
		return ErrUserInactive
	}

	return nil
}

func DeviceStatusFor(a *domain.AccessStatus) domain.DeviceStatus {
	ds := domain.DeviceStatus{
		Active:         a.DeviceActive,
		RequiresReauth: !a.UserActive,
	}
	switch {
	case !a.DeviceActive:
		ds.Message = "device revoked"
	case !a.UserActive:
		ds.Message = "account disabled"
	}
	return ds
}
