package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestPostgresBackendIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("REVSTORE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("REVSTORE_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	document := "it-" + time.Now().UTC().Format("20060102150405.000000000")
	backend := NewPostgresBackend(db, document)
	t.Cleanup(func() {
		_, _ = db.Exec(`DELETE FROM history_entries WHERE document=$1`, document)
		_, _ = db.Exec(`DELETE FROM history_hash_index WHERE document=$1`, document)
		_, _ = db.Exec(`DELETE FROM history_sequences WHERE document=$1`, document)
	})

	exerciseBackend(t, &prefixedIDs{Backend: backend, prefix: document + "-"})
}

// prefixedIDs keeps entry ids unique across runs since ids are globally unique
// in the entries table.
type prefixedIDs struct {
	Backend
	prefix string
}

func (p *prefixedIDs) Append(ctx context.Context, entry Entry) (Entry, error) {
	entry.ID = p.prefix + entry.ID
	stored, err := p.Backend.Append(ctx, entry)
	if err != nil {
		return stored, err
	}
	stored.ID = strings.TrimPrefix(stored.ID, p.prefix)
	return stored, nil
}

func (p *prefixedIDs) GetByID(ctx context.Context, id string) (Entry, error) {
	entry, err := p.Backend.GetByID(ctx, p.prefix+id)
	entry.ID = strings.TrimPrefix(entry.ID, p.prefix)
	return entry, err
}

func (p *prefixedIDs) Scan(ctx context.Context) ([]Entry, error) {
	items, err := p.Backend.Scan(ctx)
	for i := range items {
		items[i].ID = strings.TrimPrefix(items[i].ID, p.prefix)
	}
	return items, err
}
