package repository

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-kivik/kivik/v4"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrAlreadyExists    = errors.New("document already exists")
	ErrRevisionConflict = errors.New("document revision conflict")
)

// wrapErr maps CouchDB status codes onto the package sentinels so callers can
// use errors.Is without knowing about kivik.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch kivik.HTTPStatus(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", op, ErrRevisionConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// wrapCreateErr is wrapErr for first writes, where a 409 means the id is taken.
func wrapCreateErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if kivik.HTTPStatus(err) == http.StatusConflict {
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	}
	return wrapErr(op, err)
}
