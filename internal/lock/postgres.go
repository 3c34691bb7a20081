package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresKV keeps locks in the history_locks table. An expired row is
// overwritten by the next SetIfAbsent.
type PostgresKV struct {
	db *sql.DB
}

func NewPostgresKV(db *sql.DB) *PostgresKV {
	return &PostgresKV{db: db}
}

func (p *PostgresKV) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO history_locks (lock_key, token, expires_at)
		VALUES ($1, $2, NOW() + $3::bigint * INTERVAL '1 millisecond')
		ON CONFLICT (lock_key) DO UPDATE SET token=EXCLUDED.token, expires_at=EXCLUDED.expires_at
		WHERE history_locks.expires_at <= NOW()
	`, key, token, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("set lock %s: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set lock %s: %w", key, err)
	}
	return affected == 1, nil
}

func (p *PostgresKV) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM history_locks WHERE lock_key=$1 AND token=$2 AND expires_at > NOW()
	`, key, token)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return affected == 1, nil
}
