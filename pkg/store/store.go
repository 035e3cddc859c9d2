package store

import (
	"context"

	"grimoire/pkg/domain"
)

// Store is the persistence contract for book records. Every operation
// is atomic at document granularity: callers never observe a record
// with only part of an update applied.
type Store interface {
	// Insert persists a new record and returns its id.
	Insert(ctx context.Context, b domain.Book) (string, error)
	// FindByID returns the record and whether it exists.
	FindByID(ctx context.Context, id string) (domain.Book, bool, error)
	// FindAll returns every record in store order.
	FindAll(ctx context.Context) ([]domain.Book, error)
	// FindTopRated returns at most limit records, average rating
	// descending, ties in stable store order.
	FindTopRated(ctx context.Context, limit int) ([]domain.Book, error)
	// Replace overwrites the stored record as a whole.
	Replace(ctx context.Context, id string, b domain.Book) error
	// Delete removes the record.
	Delete(ctx context.Context, id string) error
}
