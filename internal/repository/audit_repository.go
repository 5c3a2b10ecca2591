package repository

import (
	"context"
	"fmt"
	"time"

	"fieldsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
	"github.com/google/uuid"
)

// AuditRepository is an append-only sink.
type AuditRepository interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
}

type auditRepository struct {
	client *kivik.Client
	dbName string
}

func NewAuditRepository(client *kivik.Client, dbName string) AuditRepository {
	return &auditRepository{
		client: client,
		dbName: dbName,
	}
}

func (r *auditRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	db := r.client.DB(r.dbName)

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.DocType = domain.DocTypeAudit

	docID := fmt.Sprintf("audit:%s", entry.ID)
	if _, err := db.Put(ctx, docID, entry); err != nil {
		return wrapCreateErr("failed to append audit entry", err)
	}

	return nil
}
