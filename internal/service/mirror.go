package service

import (
	"context"
	"time"

	"github.com/cloo-solutions/cseassist/internal/index"
)

// ChunkSnapshot describes the index currently mirrored in Postgres.
type ChunkSnapshot struct {
	Model     string
	Dimension int
	Entries   int
	BuiltAt   time.Time
}

// ChunkRepositoryInterface is the pgvector side of the index mirror.
type ChunkRepositoryInterface interface {
	ReplaceAll(ctx context.Context, snapshot ChunkSnapshot, entries []index.Entry) error
	Snapshot(ctx context.Context) (*ChunkSnapshot, error)
}

// TxRepositories exposes the repositories bound to one open transaction.
type TxRepositories interface {
	Chunks() ChunkRepositoryInterface
}

// TxRunner runs fn inside a transaction that also holds the mirror lock, so
// two publishers never interleave their writes.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(repos TxRepositories) error) error
}

// Syncer is implemented by publishers that can tell whether they already hold idx.
type Syncer interface {
	InSync(ctx context.Context, idx *index.VectorIndex) (bool, error)
}

// PgvectorMirror publishes the whole index into the chunks table in one transaction.
type PgvectorMirror struct {
	txRunner TxRunner
	repo     ChunkRepositoryInterface
}

func NewPgvectorMirror(txRunner TxRunner, repo ChunkRepositoryInterface) *PgvectorMirror {
	return &PgvectorMirror{txRunner: txRunner, repo: repo}
}

func (m *PgvectorMirror) Name() string {
	return "pgvector"
}

func (m *PgvectorMirror) Publish(ctx context.Context, _ string, idx *index.VectorIndex) error {
	snapshot := snapshotOf(idx)
	return m.txRunner.WithTx(ctx, func(repos TxRepositories) error {
		return repos.Chunks().ReplaceAll(ctx, snapshot, idx.Entries())
	})
}

func (m *PgvectorMirror) InSync(ctx context.Context, idx *index.VectorIndex) (bool, error) {
	current, err := m.repo.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}
	want := snapshotOf(idx)
	return current.Model == want.Model &&
		current.Dimension == want.Dimension &&
		current.Entries == want.Entries &&
		current.BuiltAt.Equal(want.BuiltAt), nil
}

// snapshotOf truncates the build time to the precision Postgres stores.
func snapshotOf(idx *index.VectorIndex) ChunkSnapshot {
	return ChunkSnapshot{
		Model:     idx.Model(),
		Dimension: idx.Dimension(),
		Entries:   idx.Len(),
		BuiltAt:   idx.BuiltAt().UTC().Truncate(time.Microsecond),
	}
}
