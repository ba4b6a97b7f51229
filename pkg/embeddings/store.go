package embeddings

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store provides pgvector-backed embedding storage and search over chat
// messages.
type Store struct {
	pool *pgxpool.Pool
}

// SearchResult holds a vector similarity search result.
type SearchResult struct {
	MessageRowID int64
	Distance     float64 // cosine distance (lower = more similar)
}

// NewStore creates a new pgvector store and verifies the connection.
func NewStore(ctx context.Context, pgURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Init creates the pgvector extension, table, and indexes if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS message_embeddings (
			message_rowid BIGINT PRIMARY KEY,
			channel_id    TEXT NOT NULL,
			embedding     vector(768) NOT NULL,
			content_hash  TEXT NOT NULL,
			model_name    TEXT NOT NULL DEFAULT 'nomic-embed-text-v1.5',
			embedded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create embeddings table: %w", err)
	}

	// HNSW index for cosine similarity search
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_message_embeddings_hnsw
		ON message_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_message_embeddings_channel
		ON message_embeddings (channel_id)
	`)
	if err != nil {
		return fmt.Errorf("create channel index: %w", err)
	}

	slog.Info("embedding store initialized")
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// InsertBatch stores embeddings for multiple messages in one transaction.
func (s *Store) InsertBatch(ctx context.Context, rowIDs []int64, channelIDs []string, embeddings [][]float32, contentHashes []string) error {
	if len(rowIDs) != len(embeddings) || len(rowIDs) != len(contentHashes) || len(rowIDs) != len(channelIDs) {
		return fmt.Errorf("mismatched batch sizes: ids=%d channels=%d embeddings=%d hashes=%d",
			len(rowIDs), len(channelIDs), len(embeddings), len(contentHashes))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range rowIDs {
		vec := pgvector.NewVector(embeddings[i])
		_, err := tx.Exec(ctx, `
			INSERT INTO message_embeddings (message_rowid, channel_id, embedding, content_hash, embedded_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (message_rowid) DO UPDATE
			SET embedding = EXCLUDED.embedding,
				channel_id = EXCLUDED.channel_id,
				content_hash = EXCLUDED.content_hash,
				embedded_at = now()
		`, rowIDs[i], channelIDs[i], vec, contentHashes[i])
		if err != nil {
			return fmt.Errorf("insert embedding %d: %w", rowIDs[i], err)
		}
	}

	return tx.Commit(ctx)
}

// Search returns the top-K most similar messages in a channel by cosine
// distance. An empty channelID searches across all channels.
func (s *Store) Search(ctx context.Context, channelID string, queryEmbedding []float32, limit int) ([]SearchResult, error) {
	vec := pgvector.NewVector(queryEmbedding)
	rows, err := s.pool.Query(ctx, `
		SELECT message_rowid, embedding <=> $1 AS distance
		FROM message_embeddings
		WHERE ($2 = '' OR channel_id = $2)
		ORDER BY embedding <=> $1
		LIMIT $3
	`, vec, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.MessageRowID, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetEmbedded returns all embedded message row ids with content hashes.
func (s *Store) GetEmbedded(ctx context.Context) (map[int64]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT message_rowid, content_hash FROM message_embeddings")
	if err != nil {
		return nil, fmt.Errorf("get embedded: %w", err)
	}
	defer rows.Close()

	embedded := make(map[int64]string)
	for rows.Next() {
		var id int64
		var hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scan embedded: %w", err)
		}
		embedded[id] = hash
	}
	return embedded, rows.Err()
}

// Stats returns the embedding count.
func (s *Store) Stats(ctx context.Context) (count int, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM message_embeddings").Scan(&count)
	return
}
