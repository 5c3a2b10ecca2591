package repository

import (
	"context"
	"fmt"

	"fieldsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

// ReferenceRepository reads the reference snapshots served by bootstrap and
// the change markers behind pull cache invalidations.
type ReferenceRepository interface {
	ListActiveProducts(ctx context.Context) ([]*domain.Product, error)
	ListClients(ctx context.Context) ([]*domain.Client, error)
	ListPendingDeliveries(ctx context.Context) ([]*domain.Delivery, error)
	SumActiveStock(ctx context.Context) (map[string]int64, error)
	ChangedIDs(ctx context.Context, docType string, afterSeq int64, limit int) ([]string, error)
}

type referenceRepository struct {
	client *kivik.Client
	dbName string
}

func NewReferenceRepository(client *kivik.Client, dbName string) ReferenceRepository {
	return &referenceRepository{
		client: client,
		dbName: dbName,
	}
}

func (r *referenceRepository) ListActiveProducts(ctx context.Context) ([]*domain.Product, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":  domain.DocTypeProduct,
			"is_active": true,
		},
	}

	var products []*domain.Product
	err := r.scan(ctx, query, "failed to list products", func(rows *kivik.ResultSet) error {
		var p domain.Product
		if err := rows.ScanDoc(&p); err != nil {
			return err
		}
		products = append(products, &p)
		return nil
	})

	return products, err
}

func (r *referenceRepository) ListClients(ctx context.Context) ([]*domain.Client, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type": domain.DocTypeClient,
		},
	}

	var clients []*domain.Client
	err := r.scan(ctx, query, "failed to list clients", func(rows *kivik.ResultSet) error {
		var c domain.Client
		if err := rows.ScanDoc(&c); err != nil {
			return err
		}
		clients = append(clients, &c)
		return nil
	})

	return clients, err
}

func (r *referenceRepository) ListPendingDeliveries(ctx context.Context) ([]*domain.Delivery, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type": domain.DocTypeDelivery,
			"status":   domain.DeliveryPending,
		},
	}

	var deliveries []*domain.Delivery
	err := r.scan(ctx, query, "failed to list pending deliveries", func(rows *kivik.ResultSet) error {
		var d domain.Delivery
		if err := rows.ScanDoc(&d); err != nil {
			return err
		}
		deliveries = append(deliveries, &d)
		return nil
	})

	return deliveries, err
}

// SumActiveStock totals the remaining quantity of active lots per product.
func (r *referenceRepository) SumActiveStock(ctx context.Context) (map[string]int64, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":  domain.DocTypeStockLot,
			"is_active": true,
		},
		"fields": []string{"product_id", "quantity_remaining"},
	}

	totals := make(map[string]int64)
	err := r.scan(ctx, query, "failed to sum stock", func(rows *kivik.ResultSet) error {
		var lot domain.StockLot
		if err := rows.ScanDoc(&lot); err != nil {
			return err
		}
		totals[lot.ProductID] += lot.QuantityRemaining
		return nil
	})

	return totals, err
}

// ChangedIDs returns ids of documents of docType whose updated_seq is past
// afterSeq, at most limit of them.
func (r *referenceRepository) ChangedIDs(ctx context.Context, docType string, afterSeq int64, limit int) ([]string, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":    docType,
			"updated_seq": map[string]interface{}{"$gt": afterSeq},
		},
		"fields": []string{"id"},
		"limit":  limit,
	}

	var ids []string
	err := r.scan(ctx, query, "failed to list changed "+docType+" ids", func(rows *kivik.ResultSet) error {
		var doc struct {
			ID string `json:"id"`
		}
		if err := rows.ScanDoc(&doc); err != nil {
			return err
		}
		ids = append(ids, doc.ID)
		return nil
	})

	return ids, err
}

func (r *referenceRepository) scan(ctx context.Context, query map[string]interface{}, op string, each func(*kivik.ResultSet) error) error {
	db := r.client.DB(r.dbName)

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return wrapErr(op, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := each(rows); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := rows.Err(); err != nil {
		return wrapErr(op, err)
	}

	return nil
}
