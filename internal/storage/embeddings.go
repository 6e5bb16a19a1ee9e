package storage

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// GetCachedEmbeddings returns the cached embedding vectors for the given
// content hashes. Hashes with no cache entry are simply absent from the
// result map.
func (db *DB) GetCachedEmbeddings(ctx context.Context, hashes []string) (map[string][]float32, error) {
	if len(hashes) == 0 {
		return map[string][]float32{}, nil
	}

	rows, err := db.pool.Query(ctx, `
		SELECT text_hash, embedding
		FROM embedding_cache
		WHERE text_hash = ANY($1)
	`, hashes)
	if err != nil {
		return nil, fmt.Errorf("storage: get cached embeddings: %w", err)
	}
	defer rows.Close()

	found := make(map[string][]float32, len(hashes))
	for rows.Next() {
		var hash string
		var vec pgvector.Vector
		if err := rows.Scan(&hash, &vec); err != nil {
			return nil, fmt.Errorf("storage: scan cached embedding: %w", err)
		}
		found[hash] = vec.Slice()
	}
	return found, rows.Err()
}

// UpsertEmbeddings stores embedding vectors keyed by content hash.
// Concurrent writers may race on the same hash; ON CONFLICT DO NOTHING
// keeps the first write and the values are identical anyway.
func (db *DB) UpsertEmbeddings(ctx context.Context, embeddings map[string][]float32) error {
	for hash, vec := range embeddings {
		if _, err := db.pool.Exec(ctx, `
			INSERT INTO embedding_cache (text_hash, embedding)
			VALUES ($1, $2)
			ON CONFLICT (text_hash) DO NOTHING
		`, hash, pgvector.NewVector(vec)); err != nil {
			return fmt.Errorf("storage: upsert embedding %s: %w", hash, err)
		}
	}
	return nil
}
