package store

import (
	"errors"

	"corpusflow/internal/models"
)

var (
	// ErrNotFound and ErrConflict are the models sentinels so callers on either
	// side of the store boundary can test with errors.Is.
	ErrNotFound  = models.ErrNotFound
	ErrConflict  = models.ErrConflict
	ErrDuplicate = errors.New("store: duplicate resource")
)
