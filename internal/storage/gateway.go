package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("document not found")
	ErrDuplicate = errors.New("duplicate document id")
)

// Filter matches documents by equality on top-level or dotted fields
// ("college.id").
type Filter map[string]any

// Update sets and increments fields of a single document.
type Update struct {
	Set map[string]any
	Inc map[string]any
}

type FindOptions struct {
	Limit int64
}

// Gateway is the document store every service persists through.
// Documents are addressed by collection name and carry an "id" field.
type Gateway interface {
	Insert(ctx context.Context, collection string, doc any) error
	// FindOne decodes the first match into dst or returns ErrNotFound.
	FindOne(ctx context.Context, collection string, filter Filter, dst any) error
	// Find decodes all matches into dst, which must point to a slice.
	Find(ctx context.Context, collection string, filter Filter, opts FindOptions, dst any) error
	// UpdateOne applies u to the first match and reports how many documents
	// matched (0 or 1). Including a field's current value in the filter
	// turns it into a compare-and-set.
	UpdateOne(ctx context.Context, collection string, filter Filter, u Update) (int64, error)
	DeleteOne(ctx context.Context, collection string, filter Filter) (int64, error)
	Count(ctx context.Context, collection string, filter Filter) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
