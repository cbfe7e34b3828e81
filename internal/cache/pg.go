// pg.go — PostgreSQL KV 后端 (thread_cache 表, key-value upsert)。
package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/codexmonitor/threadsync/pkg/errors"
)

// PGStore pgxpool 上的 KV 实现。
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore 创建 Postgres KV 后端。
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Get 按 key 读取。不存在时返回 (nil, nil)。
func (s *PGStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var val json.RawMessage
	err := s.pool.QueryRow(ctx, "SELECT value FROM thread_cache WHERE key = $1", key).Scan(&val)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "PGStore.Get", "query cache entry")
	}
	return val, nil
}

// Set 序列化后 upsert。
func (s *PGStore) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperrors.Wrap(err, "PGStore.Set", "marshal cache entry")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO thread_cache (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()
	`, key, data)

	if err != nil {
		return apperrors.Wrap(err, "PGStore.Set", "upsert cache entry")
	}
	return nil
}
