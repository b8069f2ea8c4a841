// Package testutil starts the Postgres and S3 containers used by the
// integration and e2e suites.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/docker/go-connections/nat"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgImage    = "pgvector/pgvector:0.8.1-pg18"
	pgUser     = "cse"
	pgPassword = "cse"
	pgDatabase = "cseassist"

	rustfsImage = "rustfs/rustfs:latest"
	rustfsKey   = "rustfsadmin"
)

// mirrorTables are emptied by TruncateAll, children first.
var mirrorTables = []string{"chunks", "chunk_snapshots"}

// started is a running container that is terminated at most once, either by
// an explicit Terminate or by the test cleanup.
type started struct {
	Container testcontainers.Container
	Host      string
	Port      string

	once    sync.Once
	termErr error
}

func startContainer(ctx context.Context, t *testing.T, req testcontainers.ContainerRequest, port string) *started {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start %s: %v", req.Image, err)
	}

	s := &started{Container: container}
	t.Cleanup(func() { _ = s.Terminate(context.Background()) })

	if s.Host, err = container.Host(ctx); err != nil {
		t.Fatalf("%s host: %v", req.Image, err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("%s port %s: %v", req.Image, port, err)
	}
	s.Port = mapped.Port()
	return s
}

// Terminate stops and removes the container. Later calls return the first result.
func (s *started) Terminate(ctx context.Context) error {
	s.once.Do(func() { s.termErr = testcontainers.TerminateContainer(s.Container) })
	return s.termErr
}

// PostgresContainer runs Postgres with the pgvector extension available.
type PostgresContainer struct {
	*started
}

func NewPostgresContainer(ctx context.Context, t *testing.T) *PostgresContainer {
	t.Helper()
	return &PostgresContainer{startContainer(ctx, t, testcontainers.ContainerRequest{
		Image:        pgImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPassword,
			"POSTGRES_DB":       pgDatabase,
		},
		// the entrypoint restarts the server once after init
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithStartupTimeout(60 * time.Second),
	}, "5432")}
}

func (pc *PostgresContainer) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		pgUser, pgPassword, pc.Host, pc.Port, pgDatabase)
}

// RustFSContainer is an S3-compatible object store.
type RustFSContainer struct {
	*started
}

func NewRustFSContainer(ctx context.Context, t *testing.T) *RustFSContainer {
	t.Helper()
	return &RustFSContainer{startContainer(ctx, t, testcontainers.ContainerRequest{
		Image:        rustfsImage,
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"RUSTFS_ACCESS_KEY": rustfsKey,
			"RUSTFS_SECRET_KEY": rustfsKey,
		},
		WaitingFor: wait.ForListeningPort("9000/tcp").WithStartupTimeout(30 * time.Second),
	}, "9000")}
}

// Credentials returns the static access key pair of the container.
func (rc *RustFSContainer) Credentials() (accessKey, secretKey string) {
	return rustfsKey, rustfsKey
}

func (rc *RustFSContainer) Endpoint() string {
	return fmt.Sprintf("http://%s:%s", rc.Host, rc.Port)
}

// Client returns a raw path-style S3 client for inspecting what the code under
// test stored.
func (rc *RustFSContainer) Client() *s3.Client {
	return s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(rc.Endpoint()),
		Credentials:  credentials.NewStaticCredentialsProvider(rustfsKey, rustfsKey, ""),
		UsePathStyle: true,
	})
}

// ListKeys returns the sorted object keys of bucket under prefix.
func (rc *RustFSContainer) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(rc.Client(), &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// NewTestPool connects to pc, retrying while the server finishes starting, and
// applies the migrations found in migrationsDir.
func NewTestPool(ctx context.Context, t *testing.T, pc *PostgresContainer, migrationsDir string) *pgxpool.Pool {
	t.Helper()
	var pool *pgxpool.Pool
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		if pool, err = pgxpool.New(ctx, pc.ConnectionString()); err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("connect to test database: %v", err)
	}

	if err := MigrateUp(pc.ConnectionString(), migrationsDir); err != nil {
		pool.Close()
		t.Fatalf("migrate test database: %v", err)
	}
	return pool
}

// MigrateUp applies the up migrations of migrationsDir with golang-migrate,
// the same runner csed uses at startup.
func MigrateUp(databaseURL, migrationsDir string) error {
	abs, err := filepath.Abs(migrationsDir)
	if err != nil {
		return err
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(abs), "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// TruncateAll empties the mirror tables between tests.
func TruncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	for _, table := range mirrorTables {
		if _, err := pool.Exec(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}
