package repository

import (
	"context"
	"fmt"
	"time"

	"fieldsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

// AppliedQuery selects applied outcomes for a pull. Outcomes of ExcludeDeviceID
// are never returned.
type AppliedQuery struct {
	ExcludeDeviceID string
	AfterSeq        int64
	EntityTypes     []domain.EntityType
	Cursor          *PageCursor
	Limit           int
}

type OutcomeRepository interface {
	Create(ctx context.Context, outcome *domain.SyncOutcome) error
	Update(ctx context.Context, outcome *domain.SyncOutcome) error
	FindByID(ctx context.Context, clientActionID string) (*domain.SyncOutcome, error)
	FindMany(ctx context.Context, clientActionIDs []string) (map[string]*domain.SyncOutcome, error)
	Acknowledge(ctx context.Context, clientActionIDs []string, deviceID string, at time.Time) (int, error)
	ListUnacknowledged(ctx context.Context, deviceID string, since time.Time) ([]*domain.SyncOutcome, error)
	ListApplied(ctx context.Context, q AppliedQuery) ([]*domain.SyncOutcome, error)
	CountPending(ctx context.Context, deviceID string) (int, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type outcomeRepository struct {
	client *kivik.Client
	dbName string
}

func NewOutcomeRepository(client *kivik.Client, dbName string) OutcomeRepository {
	return &outcomeRepository{
		client: client,
		dbName: dbName,
	}
}

func outcomeDocID(clientActionID string) string {
	return fmt.Sprintf("outcome:%s", clientActionID)
}

func (r *outcomeRepository) Create(ctx context.Context, outcome *domain.SyncOutcome) error {
	db := r.client.DB(r.dbName)

	outcome.DocType = domain.DocTypeOutcome
	outcome.Rev = ""
	rev, err := db.Put(ctx, outcomeDocID(outcome.ClientActionID), outcome)
	if err != nil {
		return wrapCreateErr("failed to create outcome", err)
	}
	outcome.Rev = rev

	return nil
}

func (r *outcomeRepository) Update(ctx context.Context, outcome *domain.SyncOutcome) error {
	db := r.client.DB(r.dbName)

	outcome.DocType = domain.DocTypeOutcome
	rev, err := db.Put(ctx, outcomeDocID(outcome.ClientActionID), outcome)
	if err != nil {
		return wrapErr("failed to update outcome", err)
	}
	outcome.Rev = rev

	return nil
}

func (r *outcomeRepository) FindByID(ctx context.Context, clientActionID string) (*domain.SyncOutcome, error) {
	db := r.client.DB(r.dbName)

	var outcome domain.SyncOutcome
	if err := db.Get(ctx, outcomeDocID(clientActionID)).ScanDoc(&outcome); err != nil {
		return nil, wrapErr("failed to find outcome", err)
	}

	return &outcome, nil
}

func (r *outcomeRepository) FindMany(ctx context.Context, clientActionIDs []string) (map[string]*domain.SyncOutcome, error) {
	found := make(map[string]*domain.SyncOutcome, len(clientActionIDs))
	if len(clientActionIDs) == 0 {
		return found, nil
	}

	docIDs := make([]string, len(clientActionIDs))
	for i, id := range clientActionIDs {
		docIDs[i] = outcomeDocID(id)
	}

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"_id": map[string]interface{}{"$in": docIDs},
		},
		"limit": len(docIDs),
	}

	outcomes, err := r.find(ctx, query, "failed to look up outcomes")
	if err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		found[o.ClientActionID] = o
	}

	return found, nil
}

func (r *outcomeRepository) Acknowledge(ctx context.Context, clientActionIDs []string, deviceID string, at time.Time) (int, error) {
	if len(clientActionIDs) == 0 {
		return 0, nil
	}

	docIDs := make([]string, len(clientActionIDs))
	for i, id := range clientActionIDs {
		docIDs[i] = outcomeDocID(id)
	}

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"_id":       map[string]interface{}{"$in": docIDs},
			"device_id": deviceID,
			"status":    domain.StatusApplied,
		},
		"limit": len(docIDs),
	}

	outcomes, err := r.find(ctx, query, "failed to find outcomes to acknowledge")
	if err != nil {
		return 0, err
	}
	if len(outcomes) == 0 {
		return 0, nil
	}

	docs := make([]interface{}, 0, len(outcomes))
	for _, o := range outcomes {
		o.Status = domain.StatusAcknowledged
		acked := at
		o.AcknowledgedAt = &acked
		docs = append(docs, outcomeDoc{ID: outcomeDocID(o.ClientActionID), SyncOutcome: o})
	}

	db := r.client.DB(r.dbName)
	results, err := db.BulkDocs(ctx, docs)
	if err != nil {
		return 0, wrapErr("failed to acknowledge outcomes", err)
	}

	// A revision conflict here means a concurrent ack won the race; that
	// outcome is acknowledged either way but not by this call.
	count := 0
	for _, res := range results {
		if res.Error == nil {
			count++
		}
	}

	return count, nil
}

func (r *outcomeRepository) ListUnacknowledged(ctx context.Context, deviceID string, since time.Time) ([]*domain.SyncOutcome, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":    domain.DocTypeOutcome,
			"device_id":   deviceID,
			"created_seq": map[string]interface{}{"$gte": since.UnixNano()},
			"status": map[string]interface{}{
				"$in": []domain.OutcomeStatus{domain.StatusPending, domain.StatusApplied},
			},
		},
		"sort": []map[string]string{{"device_id": "asc"}, {"created_seq": "asc"}},
	}

	return r.find(ctx, query, "failed to list unacknowledged outcomes")
}

func (r *outcomeRepository) ListApplied(ctx context.Context, q AppliedQuery) ([]*domain.SyncOutcome, error) {
	selector := map[string]interface{}{
		"applied_seq": map[string]interface{}{"$gt": q.AfterSeq},
		"doc_type":    domain.DocTypeOutcome,
		"device_id":   map[string]interface{}{"$ne": q.ExcludeDeviceID},
		"status": map[string]interface{}{
			"$in": []domain.OutcomeStatus{domain.StatusApplied, domain.StatusAcknowledged},
		},
	}
	if len(q.EntityTypes) > 0 {
		selector["entity_type"] = map[string]interface{}{"$in": q.EntityTypes}
	}
	if q.Cursor != nil {
		selector["$or"] = []map[string]interface{}{
			{"applied_seq": map[string]interface{}{"$gt": q.Cursor.AppliedSeq}},
			{
				"applied_seq":      q.Cursor.AppliedSeq,
				"client_action_id": map[string]interface{}{"$gt": q.Cursor.ClientActionID},
			},
		}
	}

	query := map[string]interface{}{
		"selector": selector,
		"sort":     []map[string]string{{"applied_seq": "asc"}, {"client_action_id": "asc"}},
		"limit":    q.Limit,
	}

	outcomes, err := r.find(ctx, query, "failed to list applied outcomes")
	if err != nil {
		return nil, err
	}

	filtered := outcomes[:0]
	for _, o := range outcomes {
		if o.DeviceID == q.ExcludeDeviceID {
			continue
		}
		filtered = append(filtered, o)
	}

	return filtered, nil
}

func (r *outcomeRepository) CountPending(ctx context.Context, deviceID string) (int, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":  domain.DocTypeOutcome,
			"device_id": deviceID,
			"status": map[string]interface{}{
				"$in": []domain.OutcomeStatus{domain.StatusPending, domain.StatusApplied},
			},
		},
		"fields": []string{"_id"},
	}

	db := r.client.DB(r.dbName)
	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return 0, wrapErr("failed to count pending outcomes", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, wrapErr("failed to count pending outcomes", err)
	}

	return count, nil
}

func (r *outcomeRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":    domain.DocTypeOutcome,
			"created_seq": map[string]interface{}{"$lt": cutoff.UnixNano()},
			"status": map[string]interface{}{
				"$in": []domain.OutcomeStatus{domain.StatusAcknowledged, domain.StatusRejected},
			},
		},
		"limit": limit,
	}

	outcomes, err := r.find(ctx, query, "failed to find expired outcomes")
	if err != nil {
		return 0, err
	}
	if len(outcomes) == 0 {
		return 0, nil
	}

	docs := make([]interface{}, 0, len(outcomes))
	for _, o := range outcomes {
		docs = append(docs, tombstone{ID: outcomeDocID(o.ClientActionID), Rev: o.Rev, Deleted: true})
	}

	return bulkDelete(ctx, r.client.DB(r.dbName), docs, "failed to purge outcomes")
}

func (r *outcomeRepository) find(ctx context.Context, query map[string]interface{}, op string) ([]*domain.SyncOutcome, error) {
	db := r.client.DB(r.dbName)

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var outcomes []*domain.SyncOutcome
	for rows.Next() {
		var outcome domain.SyncOutcome
		if err := rows.ScanDoc(&outcome); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		outcomes = append(outcomes, &outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}

	return outcomes, nil
}

// outcomeDoc adds the CouchDB id needed by _bulk_docs.
type outcomeDoc struct {
	ID string `json:"_id"`
	*domain.SyncOutcome
}

type tombstone struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev"`
	Deleted bool   `json:"_deleted"`
}

func bulkDelete(ctx context.Context, db *kivik.DB, docs []interface{}, op string) (int, error) {
	results, err := db.BulkDocs(ctx, docs)
	if err != nil {
		return 0, wrapErr(op, err)
	}

	deleted := 0
	for _, res := range results {
		if res.Error == nil {
			deleted++
		}
	}

	return deleted, nil
}
