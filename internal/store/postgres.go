package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresBackend persists one document's history. Content columns are
// zstd-compressed when large enough to benefit.
type PostgresBackend struct {
	db       *sql.DB
	document string
}

func NewPostgresBackend(db *sql.DB, document string) *PostgresBackend {
	return &PostgresBackend{db: db, document: document}
}

const entryColumns = `sequence, id, entry_ts, recorded_at, content, content_compression, canonical,
	canonical_compression, byte_size, hash, hash_algorithm, label, reason, manual, occurrences, format`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry                 Entry
		content, canonical    []byte
		contentTag, canonTag  string
		format                string
		timestamp, recordedAt time.Time
	)
	err := row.Scan(
		&entry.Sequence, &entry.ID, &timestamp, &recordedAt,
		&content, &contentTag, &canonical, &canonTag,
		&entry.ByteSize, &entry.Hash, &entry.HashAlgorithm,
		&entry.Label, &entry.Reason, &entry.Manual, &entry.Occurrences, &format,
	)
	if err != nil {
		return Entry{}, err
	}
	if entry.Content, err = decompressText(content, contentTag); err != nil {
		return Entry{}, err
	}
	if entry.Canonical, err = decompressText(canonical, canonTag); err != nil {
		return Entry{}, err
	}
	entry.Timestamp = timestamp
	entry.RecordedAt = recordedAt
	entry.Format = Format(format)
	return entry, nil
}

func (s *PostgresBackend) Append(ctx context.Context, entry Entry) (Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sequence int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO history_sequences (document, last_sequence)
		VALUES ($1, 1)
		ON CONFLICT (document) DO UPDATE SET last_sequence = history_sequences.last_sequence + 1
		RETURNING last_sequence
	`, s.document).Scan(&sequence)
	if err != nil {
		return Entry{}, fmt.Errorf("allocate sequence: %w", err)
	}
	entry.Sequence = sequence
	if entry.Format == "" {
		entry.Format = FormatKeyframe
	}

	content, contentTag := compressText(entry.Content)
	canonical, canonTag := compressText(entry.Canonical)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO history_entries (
			document, sequence, id, entry_ts, recorded_at, content, content_compression, canonical,
			canonical_compression, byte_size, hash, hash_algorithm, label, reason, manual, occurrences, format
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, s.document, entry.Sequence, entry.ID, entry.Timestamp, entry.RecordedAt, content, contentTag,
		canonical, canonTag, entry.ByteSize, entry.Hash, entry.HashAlgorithm, entry.Label, entry.Reason,
		entry.Manual, entry.Occurrences, string(entry.Format))
	if IsUniqueViolation(err) {
		return Entry{}, fmt.Errorf("insert entry %s: %w", entry.ID, ErrDuplicateID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit append: %w", err)
	}
	return entry, nil
}

func (s *PostgresBackend) Get(ctx context.Context, sequence int64) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM history_entries WHERE document=$1 AND sequence=$2`, s.document, sequence)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read entry %d: %w", sequence, err)
	}
	return entry, nil
}

func (s *PostgresBackend) GetByID(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM history_entries WHERE document=$1 AND id=$2`, s.document, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read entry %s: %w", id, err)
	}
	return entry, nil
}

// Update rewrites the mutable metadata of an entry. Content is immutable.
func (s *PostgresBackend) Update(ctx context.Context, entry Entry) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE history_entries
		SET entry_ts=$3, label=$4, reason=$5, manual=$6, occurrences=$7
		WHERE document=$1 AND sequence=$2
	`, s.document, entry.Sequence, entry.Timestamp, entry.Label, entry.Reason, entry.Manual, entry.Occurrences)
	if err != nil {
		return fmt.Errorf("update entry %d: %w", entry.Sequence, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entry %d: %w", entry.Sequence, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresBackend) Delete(ctx context.Context, sequence int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history_entries WHERE document=$1 AND sequence=$2`, s.document, sequence); err != nil {
		return fmt.Errorf("delete entry %d: %w", sequence, err)
	}
	return nil
}

func (s *PostgresBackend) Scan(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM history_entries WHERE document=$1 ORDER BY sequence ASC`, s.document)
	if err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return items, nil
}

func (s *PostgresBackend) LookupHash(ctx context.Context, key string) (HashRecord, error) {
	record := HashRecord{Key: key}
	err := s.db.QueryRowContext(ctx, `SELECT sequence FROM history_hash_index WHERE document=$1 AND hash_key=$2`, s.document, key).Scan(&record.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return HashRecord{}, ErrNotFound
	}
	if err != nil {
		return HashRecord{}, fmt.Errorf("lookup hash: %w", err)
	}
	return record, nil
}

func (s *PostgresBackend) UpsertHash(ctx context.Context, record HashRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history_hash_index (document, hash_key, sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (document, hash_key) DO UPDATE SET sequence=EXCLUDED.sequence
	`, s.document, record.Key, record.Sequence)
	if err != nil {
		return fmt.Errorf("upsert hash: %w", err)
	}
	return nil
}

func (s *PostgresBackend) RemoveHash(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history_hash_index WHERE document=$1 AND hash_key=$2`, s.document, key); err != nil {
		return fmt.Errorf("remove hash: %w", err)
	}
	return nil
}

// Reset keeps the history_sequences row so sequences are never reused.
func (s *PostgresBackend) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history_hash_index WHERE document=$1`, s.document); err != nil {
		return fmt.Errorf("reset hash index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM history_entries WHERE document=$1`, s.document); err != nil {
		return fmt.Errorf("reset entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

// Close is a no-op; the *sql.DB is shared and owned by the caller.
func (s *PostgresBackend) Close() error { return nil }
