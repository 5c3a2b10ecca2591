package repository

import (
	"context"
	"fmt"
	"time"

	"fieldsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type BatchRepository interface {
	Create(ctx context.Context, batch *domain.SyncBatch) error
	FindByID(ctx context.Context, batchID string) (*domain.SyncBatch, error)
	Update(ctx context.Context, batch *domain.SyncBatch) error
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type batchRepository struct {
	client *kivik.Client
	dbName string
}

func NewBatchRepository(client *kivik.Client, dbName string) BatchRepository {
	return &batchRepository{
		client: client,
		dbName: dbName,
	}
}

func batchDocID(batchID string) string {
	return fmt.Sprintf("batch:%s", batchID)
}

func (r *batchRepository) Create(ctx context.Context, batch *domain.SyncBatch) error {
	db := r.client.DB(r.dbName)

	batch.DocType = domain.DocTypeBatch
	batch.Rev = ""
	rev, err := db.Put(ctx, batchDocID(batch.ID), batch)
	if err != nil {
		return wrapCreateErr("failed to create batch", err)
	}
	batch.Rev = rev

	return nil
}

func (r *batchRepository) FindByID(ctx context.Context, batchID string) (*domain.SyncBatch, error) {
	db := r.client.DB(r.dbName)

	var batch domain.SyncBatch
	if err := db.Get(ctx, batchDocID(batchID)).ScanDoc(&batch); err != nil {
		return nil, wrapErr("failed to find batch", err)
	}

	return &batch, nil
}

func (r *batchRepository) Update(ctx context.Context, batch *domain.SyncBatch) error {
	db := r.client.DB(r.dbName)

	batch.DocType = domain.DocTypeBatch
	rev, err := db.Put(ctx, batchDocID(batch.ID), batch)
	if err != nil {
		return wrapErr("failed to update batch", err)
	}
	batch.Rev = rev

	return nil
}

func (r *batchRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	db := r.client.DB(r.dbName)

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":     domain.DocTypeBatch,
			"state":        domain.BatchProcessed,
			"received_seq": map[string]interface{}{"$lt": cutoff.UnixNano()},
		},
		"fields": []string{"_id", "_rev"},
		"limit":  limit,
	}

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return 0, wrapErr("failed to find expired batches", err)
	}
	defer rows.Close()

	var docs []interface{}
	for rows.Next() {
		var t tombstone
		if err := rows.ScanDoc(&t); err != nil {
			return 0, fmt.Errorf("failed to scan expired batch: %w", err)
		}
		t.Deleted = true
		docs = append(docs, t)
	}
	if err := rows.Err(); err != nil {
		return 0, wrapErr("failed to find expired batches", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	return bulkDelete(ctx, db, docs, "failed to purge batches")
}
