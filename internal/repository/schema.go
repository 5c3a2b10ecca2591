package repository

import (
	"context"
	"fmt"

	"github.com/go-kivik/kivik/v4"
)

type mangoIndex struct {
	name   string
	fields []string
}

// Indexes backing the Mango queries above. Sort fields must lead the index.
var syncIndexes = []mangoIndex{
	{name: "outcome-applied", fields: []string{"applied_seq", "client_action_id"}},
	{name: "outcome-device-created", fields: []string{"device_id", "created_seq"}},
	{name: "outcome-created", fields: []string{"created_seq"}},
	{name: "batch-received", fields: []string{"doc_type", "received_seq"}},
	{name: "doc-updated", fields: []string{"doc_type", "updated_seq"}},
	{name: "doc-status", fields: []string{"doc_type", "status"}},
	{name: "doc-active", fields: []string{"doc_type", "is_active"}},
}

// EnsureSchema creates the database when missing and installs the Mango
// indexes. It is safe to run repeatedly.
func EnsureSchema(ctx context.Context, client *kivik.Client, dbName string) (created bool, err error) {
	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return false, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			return false, fmt.Errorf("failed to create database: %w", err)
		}
		created = true
	}

	db := client.DB(dbName)
	for _, idx := range syncIndexes {
		index := map[string]interface{}{"fields": idx.fields}
		if err := db.CreateIndex(ctx, "fieldsync", idx.name, index); err != nil {
			return created, fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}

	return created, nil
}
