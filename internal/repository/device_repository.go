package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type DeviceRepository interface {
	FindByID(ctx context.Context, deviceID string) (*domain.Device, error)
	UpdateLastSync(ctx context.Context, deviceID string, at time.Time) error
}

type deviceRepository struct {
	client *kivik.Client
	dbName string
}

func NewDeviceRepository(client *kivik.Client, dbName string) DeviceRepository {
	return &deviceRepository{
		client: client,
		dbName: dbName,
	}
}

func deviceDocID(deviceID string) string {
	return fmt.Sprintf("device:%s", deviceID)
}

func (r *deviceRepository) FindByID(ctx context.Context, deviceID string) (*domain.Device, error) {
	db := r.client.DB(r.dbName)

	var device domain.Device
	if err := db.Get(ctx, deviceDocID(deviceID)).ScanDoc(&device); err != nil {
		return nil, wrapErr("failed to find device", err)
	}

	return &device, nil
}

// UpdateLastSync patches the raw document so fields owned by the device
// registration flow survive untouched. Losing a race is harmless.
func (r *deviceRepository) UpdateLastSync(ctx context.Context, deviceID string, at time.Time) error {
	db := r.client.DB(r.dbName)
	docID := deviceDocID(deviceID)

	var rawDoc map[string]interface{}
	if err := db.Get(ctx, docID).ScanDoc(&rawDoc); err != nil {
		return wrapErr("failed to load device", err)
	}

	rawDoc["last_sync_at"] = at

	_, err := db.Put(ctx, docID, rawDoc)
	if err = wrapErr("failed to update last sync", err); errors.Is(err, ErrRevisionConflict) {
		return nil
	}

	return err
}
