package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

// CursorRepository keeps the per-device push/pull watermarks.
type CursorRepository interface {
	Get(ctx context.Context, userID, deviceID string) (*domain.DeviceSyncCursor, error)
	TouchPush(ctx context.Context, userID, deviceID string, at time.Time) error
	TouchPull(ctx context.Context, userID, deviceID string, at time.Time) error
}

type cursorRepository struct {
	client      *kivik.Client
	dbName      string
	maxAttempts int
}

func NewCursorRepository(client *kivik.Client, dbName string) CursorRepository {
	return &cursorRepository{
		client:      client,
		dbName:      dbName,
		maxAttempts: 3,
	}
}

func cursorDocID(deviceID string) string {
	return fmt.Sprintf("cursor:%s", deviceID)
}

// Get returns an empty cursor for a device that never synced.
func (r *cursorRepository) Get(ctx context.Context, userID, deviceID string) (*domain.DeviceSyncCursor, error) {
	db := r.client.DB(r.dbName)

	var cursor domain.DeviceSyncCursor
	err := wrapErr("failed to get sync cursor", db.Get(ctx, cursorDocID(deviceID)).ScanDoc(&cursor))
	if errors.Is(err, ErrNotFound) {
		return &domain.DeviceSyncCursor{
			DeviceID: deviceID,
			DocType:  domain.DocTypeCursor,
			UserID:   userID,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	return &cursor, nil
}

func (r *cursorRepository) TouchPush(ctx context.Context, userID, deviceID string, at time.Time) error {
	return r.touch(ctx, userID, deviceID, func(c *domain.DeviceSyncCursor) {
		if c.LastPushAt == nil || at.After(*c.LastPushAt) {
			c.LastPushAt = &at
		}
	})
}

func (r *cursorRepository) TouchPull(ctx context.Context, userID, deviceID string, at time.Time) error {
	return r.touch(ctx, userID, deviceID, func(c *domain.DeviceSyncCursor) {
		if c.LastPullAt == nil || at.After(*c.LastPullAt) {
			c.LastPullAt = &at
		}
	})
}

// touch is a read-modify-write that retries when another request from the same
// device moved the cursor concurrently. Watermarks only move forward.
func (r *cursorRepository) touch(ctx context.Context, userID, deviceID string, mutate func(*domain.DeviceSyncCursor)) error {
	db := r.client.DB(r.dbName)

	var err error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		var cursor *domain.DeviceSyncCursor
		cursor, err = r.Get(ctx, userID, deviceID)
		if err != nil {
			return err
		}

		mutate(cursor)
		cursor.DocType = domain.DocTypeCursor
		cursor.UserID = userID
		cursor.UpdatedAt = time.Now().UTC()

		_, err = db.Put(ctx, cursorDocID(deviceID), cursor)
		err = wrapErr("failed to update sync cursor", err)
		if !errors.Is(err, ErrRevisionConflict) {
			return err
		}
	}

	return err
}
