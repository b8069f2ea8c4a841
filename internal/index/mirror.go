package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cloo-solutions/cseassist/internal/embedding"
	"github.com/cloo-solutions/cseassist/internal/storage"
)

// Publisher copies a freshly built snapshot to secondary storage.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, dir string, idx *VectorIndex) error
}

// Fetcher restores a snapshot into dir from secondary storage. It reports
// false, nil when no remote snapshot exists. A snapshot that provider cannot
// query is never installed.
type Fetcher interface {
	Fetch(ctx context.Context, dir string, provider embedding.Provider) (bool, error)
}

// ObjectStore is the part of storage.S3Client the mirror needs.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) error
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	HeadObject(ctx context.Context, key string) (*storage.ObjectMetadata, error)
}

// S3Mirror stores snapshot files under a key prefix in an object store.
type S3Mirror struct {
	store  ObjectStore
	prefix string
}

func NewS3Mirror(store ObjectStore, prefix string) *S3Mirror {
	return &S3Mirror{store: store, prefix: prefix}
}

func (m *S3Mirror) Name() string {
	return "s3"
}

func (m *S3Mirror) key(file string) string {
	return path.Join(m.prefix, file)
}

// user metadata set on the uploaded payload
const (
	metaChecksum = "sha256"
	metaModel    = "model"
)

// Publish uploads the payload and then the manifest, so a reader never sees a
// manifest whose payload is missing. The payload carries the manifest checksum
// as metadata so Stat can compare snapshots without downloading them.
func (m *S3Mirror) Publish(ctx context.Context, dir string, _ *VectorIndex) error {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	meta := map[string]string{metaChecksum: manifest.Checksum, metaModel: manifest.Model}

	for _, file := range []struct {
		name, contentType string
		meta              map[string]string
	}{
		{PayloadFile, "application/octet-stream", meta},
		{ManifestFile, "application/yaml", nil},
	} {
		data, err := os.ReadFile(filepath.Join(dir, file.name))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file.name, err)
		}
		if err := m.store.PutObject(ctx, m.key(file.name), bytes.NewReader(data), int64(len(data)), file.contentType, file.meta); err != nil {
			return err
		}
	}
	return nil
}

// Fetch downloads the remote snapshot, verifies it against provider and
// installs it at dir.
func (m *S3Mirror) Fetch(ctx context.Context, dir string, provider embedding.Provider) (bool, error) {
	parent := filepath.Dir(filepath.Clean(dir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return false, fmt.Errorf("failed to create index parent directory: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".fetch-")
	if err != nil {
		return false, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	for _, name := range []string{ManifestFile, PayloadFile} {
		found, err := m.download(ctx, name, filepath.Join(tmp, name))
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
	}

	idx, err := Verify(tmp)
	if err != nil {
		return false, fmt.Errorf("remote snapshot rejected: %w", err)
	}
	if err := checkCompatible(idx, provider); err != nil {
		return false, fmt.Errorf("remote snapshot rejected: %w", err)
	}
	if err := swapDir(tmp, dir); err != nil {
		return false, err
	}
	return true, nil
}

func (m *S3Mirror) download(ctx context.Context, name, dest string) (bool, error) {
	body, err := m.store.GetObject(ctx, m.key(name))
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return false, fmt.Errorf("failed to download %s: %w", name, err)
	}
	if err := writeFileSync(dest, data); err != nil {
		return false, err
	}
	return true, nil
}

// RemoteInfo describes the snapshot currently held by the mirror. Checksum and
// Model are empty for payloads uploaded without metadata.
type RemoteInfo struct {
	Key          string
	PayloadBytes int64
	ETag         string
	Checksum     string
	Model        string
	UploadedAt   time.Time
}

// Stat reports the remote payload, or nil when nothing has been published.
func (m *S3Mirror) Stat(ctx context.Context) (*RemoteInfo, error) {
	meta, err := m.store.HeadObject(ctx, m.key(PayloadFile))
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &RemoteInfo{
		Key:          m.key(PayloadFile),
		PayloadBytes: meta.ContentLength,
		ETag:         meta.ETag,
		Checksum:     meta.Metadata[metaChecksum],
		Model:        meta.Metadata[metaModel],
		UploadedAt:   meta.LastModified,
	}, nil
}

// Matches reports whether the remote payload has the checksum recorded in the
// manifest at dir. It is false when nothing was published or the checksum is
// unknown.
func (m *S3Mirror) Matches(ctx context.Context, dir string) (bool, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return false, err
	}
	remote, err := m.Stat(ctx)
	if err != nil || remote == nil {
		return false, err
	}
	return remote.Checksum != "" && remote.Checksum == manifest.Checksum, nil
}
