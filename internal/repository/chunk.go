package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/cloo-solutions/cseassist/internal/index"
	"github.com/cloo-solutions/cseassist/internal/service"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ChunkRepository mirrors the vector index into Postgres and searches it with pgvector.
type ChunkRepository struct {
	db dbtx
}

func NewChunkRepository(pool *pgxpool.Pool) *ChunkRepository {
	return &ChunkRepository{db: pool}
}

func NewChunkRepositoryWithTx(tx dbtx) *ChunkRepository {
	return &ChunkRepository{db: tx}
}

// ReplaceAll deletes every mirrored chunk and inserts entries in index order.
// Run it inside a transaction so readers never see a half-written mirror.
func (r *ChunkRepository) ReplaceAll(ctx context.Context, snapshot service.ChunkSnapshot, entries []index.Entry) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM chunks`); err != nil {
		return err
	}

	for i, e := range entries {
		_, err := r.db.Exec(ctx,
			`INSERT INTO chunks (position, id, source, page, chunk_index, content, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			i,
			e.Chunk.ID,
			e.Chunk.Source,
			e.Chunk.Page,
			e.Chunk.Index,
			e.Chunk.Content,
			pgvector.NewVector(e.Vector),
		)
		if err != nil {
			return err
		}
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO chunk_snapshots (id, model, dimension, entries, built_at, updated_at)
		 VALUES (TRUE, $1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			model = EXCLUDED.model,
			dimension = EXCLUDED.dimension,
			entries = EXCLUDED.entries,
			built_at = EXCLUDED.built_at,
			updated_at = EXCLUDED.updated_at`,
		snapshot.Model,
		snapshot.Dimension,
		len(entries),
		snapshot.BuiltAt,
		time.Now().UTC(),
	)
	return err
}

// Snapshot returns the metadata of the mirrored index, or nil when nothing was published.
func (r *ChunkRepository) Snapshot(ctx context.Context) (*service.ChunkSnapshot, error) {
	var s service.ChunkSnapshot
	err := r.db.QueryRow(ctx,
		`SELECT model, dimension, entries, built_at FROM chunk_snapshots WHERE id`,
	).Scan(&s.Model, &s.Dimension, &s.Entries, &s.BuiltAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.BuiltAt = s.BuiltAt.UTC()
	return &s, nil
}

// SearchVector returns the k chunks closest to vec by cosine distance. The score
// is cosine similarity; equal distances keep index order.
func (r *ChunkRepository) SearchVector(ctx context.Context, vec []float32, k int) ([]domain.RetrievalResult, error) {
	if k < 1 {
		return nil, domain.ErrInvalidK
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, source, page, chunk_index, content, 1 - (embedding <=> $1) AS score
		 FROM chunks
		 ORDER BY embedding <=> $1, position
		 LIMIT $2`,
		pgvector.NewVector(vec), k,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.RetrievalResult, 0, k)
	for rows.Next() {
		var res domain.RetrievalResult
		var score float64
		if err := rows.Scan(&res.Chunk.ID, &res.Chunk.Source, &res.Chunk.Page, &res.Chunk.Index, &res.Chunk.Content, &score); err != nil {
			return nil, err
		}
		res.Score = float32(score)
		results = append(results, res)
	}

	return results, rows.Err()
}

// CountBySource returns the number of mirrored chunks per source document.
func (r *ChunkRepository) CountBySource(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Query(ctx, `SELECT source, COUNT(*) FROM chunks GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		counts[source] = n
	}
	return counts, rows.Err()
}
