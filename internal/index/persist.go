package index

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/cloo-solutions/cseassist/internal/embedding"
	"gopkg.in/yaml.v3"
)

const (
	// FormatVersion is bumped whenever the payload layout changes.
	FormatVersion = 1

	ManifestFile = "manifest.yaml"
	PayloadFile  = "index.gob"
)

// Manifest describes a persisted snapshot. The checksum covers the payload file.
type Manifest struct {
	FormatVersion int       `yaml:"format_version"`
	Dimension     int       `yaml:"dimension"`
	Model         string    `yaml:"model"`
	Entries       int       `yaml:"entries"`
	Checksum      string    `yaml:"checksum_sha256"`
	BuiltAt       time.Time `yaml:"built_at"`
}

type payload struct {
	Entries []Entry
}

// Exists reports whether dir holds a snapshot manifest.
func Exists(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ManifestFile))
	return err == nil && !info.IsDir()
}

// Persist writes idx to dir, replacing any previous snapshot. The snapshot is
// assembled in a sibling temporary directory and renamed into place.
func Persist(idx *VectorIndex, dir string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload{Entries: idx.entries}); err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())

	manifest := Manifest{
		FormatVersion: FormatVersion,
		Dimension:     idx.dimension,
		Model:         idx.model,
		Entries:       len(idx.entries),
		Checksum:      hex.EncodeToString(sum[:]),
		BuiltAt:       idx.builtAt,
	}
	manifestBytes, err := yaml.Marshal(&manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	parent := filepath.Dir(filepath.Clean(dir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create index parent directory: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := writeFileSync(filepath.Join(tmp, PayloadFile), buf.Bytes()); err != nil {
		return err
	}
	if err := writeFileSync(filepath.Join(tmp, ManifestFile), manifestBytes); err != nil {
		return err
	}

	return swapDir(tmp, dir)
}

// swapDir moves staged into place at dir. An existing dir is moved aside first
// and removed once the new snapshot is in place.
func swapDir(staged, dir string) error {
	var old string
	if _, err := os.Stat(dir); err == nil {
		old = staged + ".old"
		if err := os.Rename(dir, old); err != nil {
			return fmt.Errorf("failed to move previous index aside: %w", err)
		}
	}
	if err := os.Rename(staged, dir); err != nil {
		if old != "" {
			_ = os.Rename(old, dir)
		}
		return fmt.Errorf("failed to install index: %w", err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// ReadManifest reads and validates the manifest in dir without loading vectors.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, domain.NewCorruptIndexError("cannot read manifest", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, domain.NewCorruptIndexError("manifest is not valid YAML", err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, domain.NewCorruptIndexError(
			fmt.Sprintf("unsupported format version %d (want %d)", m.FormatVersion, FormatVersion), nil)
	}
	if m.Dimension <= 0 {
		return nil, domain.NewCorruptIndexError("manifest has no dimension", nil)
	}
	return &m, nil
}

// Load reads the snapshot in dir and checks it against provider. Every
// integrity or compatibility failure is a corrupt-index error: the snapshot has
// to be deleted and rebuilt.
func Load(dir string, provider embedding.Provider) (*VectorIndex, error) {
	idx, err := Verify(dir)
	if err != nil {
		return nil, err
	}

	if err := checkCompatible(idx, provider); err != nil {
		return nil, err
	}
	return idx, nil
}

func checkCompatible(idx *VectorIndex, provider embedding.Provider) error {
	if idx.dimension != provider.Dimensions() {
		return domain.NewCorruptIndexError(
			fmt.Sprintf("index dimension %d does not match embedding provider dimension %d", idx.dimension, provider.Dimensions()), nil)
	}
	if idx.model != "" && provider.Model() != "" && idx.model != provider.Model() {
		return domain.NewCorruptIndexError(
			fmt.Sprintf("index was built with model %q, provider is %q", idx.model, provider.Model()), nil)
	}
	return nil
}

// Verify loads the snapshot in dir and checks its internal consistency only.
func Verify(dir string) (*VectorIndex, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, PayloadFile))
	if err != nil {
		return nil, domain.NewCorruptIndexError("cannot read payload", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != m.Checksum {
		return nil, domain.NewCorruptIndexError("payload checksum mismatch", nil)
	}

	var p payload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, domain.NewCorruptIndexError("payload cannot be decoded", err)
	}
	if len(p.Entries) != m.Entries {
		return nil, domain.NewCorruptIndexError(
			fmt.Sprintf("manifest lists %d entries, payload holds %d", m.Entries, len(p.Entries)), nil)
	}
	for i, e := range p.Entries {
		if len(e.Vector) != m.Dimension {
			return nil, domain.NewCorruptIndexError(
				fmt.Sprintf("entry %d has %d dimensions, manifest says %d", i, len(e.Vector), m.Dimension), nil)
		}
	}

	return &VectorIndex{
		dimension: m.Dimension,
		model:     m.Model,
		builtAt:   m.BuiltAt,
		entries:   p.Entries,
	}, nil
}

// IsNotExist reports whether err came from a snapshot that is simply absent.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
