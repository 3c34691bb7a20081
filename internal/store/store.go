package store

import "context"

// Backend is the entry log and hash index for a single document. All
// implementations assign strictly increasing sequences and never reuse one,
// including after Reset.
type Backend interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	Get(ctx context.Context, sequence int64) (Entry, error)
	GetByID(ctx context.Context, id string) (Entry, error)
	Update(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, sequence int64) error
	// Scan returns all live entries in ascending sequence order.
	Scan(ctx context.Context) ([]Entry, error)

	LookupHash(ctx context.Context, key string) (HashRecord, error)
	UpsertHash(ctx context.Context, record HashRecord) error
	RemoveHash(ctx context.Context, key string) error

	// Reset removes every entry and index record for the document.
	Reset(ctx context.Context) error
	Close() error
}
