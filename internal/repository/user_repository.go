package repository

import (
	"context"
	"fmt"

	"fieldsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type UserRepository interface {
	FindByID(ctx context.Context, id string) (*domain.User, error)
}

type userRepository struct {
	client *kivik.Client
	dbName string
}

func NewUserRepository(client *kivik.Client, dbName string) UserRepository {
	return &userRepository{
		client: client,
		dbName: dbName,
	}
}

func (r *userRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	db := r.client.DB(r.dbName)

	docID := fmt.Sprintf("user:%s", id)
	row := db.Get(ctx, docID)

	var user domain.User
	if err := row.ScanDoc(&user); err != nil {
		return nil, wrapErr("failed to find user by ID", err)
	}

	return &user, nil
}
