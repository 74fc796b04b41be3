// Package artifact loads program sources and test data referenced by a
// grading request.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gradingnode/internal/common/storage"
	appErr "gradingnode/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultMaxBytes = 64 << 20
	zstdSuffix      = ".zst"
)

// Ref points at an artifact. With a bucket (or a configured default bucket)
// it names an object; otherwise Key is a path under the local artifact root.
type Ref struct {
	Bucket string `json:"bucket,omitempty"`
	Key    string `json:"key"`
	// SHA256 is the optional hex digest of the stored bytes.
	SHA256 string `json:"sha256,omitempty"`
}

// Config controls artifact loading.
type Config struct {
	LocalRoot     string `yaml:"localRoot"`
	DefaultBucket string `yaml:"defaultBucket"`
	MaxBytes      int64  `yaml:"maxBytes"`
}

// Fetcher loads referenced artifacts.
type Fetcher interface {
	Fetch(ctx context.Context, ref Ref) ([]byte, error)
}

// Store fetches artifacts from object storage or a local directory and
// transparently decompresses zstd artifacts.
type Store struct {
	cfg     Config
	objects storage.ObjectStorage
}

// NewStore creates a store. objects may be nil when only local artifacts are used.
func NewStore(cfg Config, objects storage.ObjectStorage) *Store {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &Store{cfg: cfg, objects: objects}
}

// Fetch returns the decoded bytes of ref.
func (s *Store) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	key := strings.TrimSpace(ref.Key)
	if key == "" {
		return nil, appErr.ValidationError("artifact_key", "required")
	}
	bucket := ref.Bucket
	if bucket == "" {
		bucket = s.cfg.DefaultBucket
	}

	var (
		raw []byte
		err error
	)
	switch {
	case bucket != "" && s.objects != nil:
		raw, err = s.fetchObject(ctx, bucket, key)
	case s.cfg.LocalRoot != "":
		raw, err = s.fetchLocal(key)
	default:
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("artifact storage is not configured")
	}
	if err != nil {
		return nil, err
	}
	if ref.SHA256 != "" {
		sum := sha256.Sum256(raw)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), ref.SHA256) {
			return nil, appErr.New(appErr.ArtifactFetchFailed).WithMessage("artifact hash mismatch")
		}
	}
	if strings.HasSuffix(key, zstdSuffix) {
		return s.decode(raw)
	}
	return raw, nil
}

func (s *Store) fetchObject(ctx context.Context, bucket, key string) ([]byte, error) {
	reader, stat, err := s.objects.OpenObject(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, appErr.New(appErr.ArtifactNotFound).WithDetail("key", key)
		}
		return nil, appErr.Wrapf(err, appErr.ArtifactFetchFailed, "download artifact failed")
	}
	defer reader.Close()
	if stat.SizeBytes > s.cfg.MaxBytes {
		return nil, appErr.New(appErr.ArtifactFetchFailed).WithMessage(fmt.Sprintf("artifact exceeds %d bytes", s.cfg.MaxBytes))
	}
	data, err := readLimited(reader, s.cfg.MaxBytes)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, appErr.New(appErr.ArtifactNotFound).WithDetail("key", key)
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) fetchLocal(key string) ([]byte, error) {
	clean := filepath.Clean(key)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, appErr.ValidationError("artifact_key", "invalid")
	}
	file, err := os.Open(filepath.Join(s.cfg.LocalRoot, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, appErr.New(appErr.ArtifactNotFound).WithDetail("key", key)
		}
		return nil, appErr.Wrapf(err, appErr.ArtifactFetchFailed, "open artifact failed")
	}
	defer file.Close()
	return readLimited(file, s.cfg.MaxBytes)
}

func (s *Store) decode(raw []byte) ([]byte, error) {
	reader, err := zstd.NewReader(bytes.NewReader(raw), zstd.WithDecoderMaxMemory(uint64(s.cfg.MaxBytes)))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArtifactDecodeFailed, "create zstd reader failed")
	}
	defer reader.Close()
	data, err := readLimited(reader, s.cfg.MaxBytes)
	if err != nil {
		if appErr.GetCode(err) == appErr.ArtifactFetchFailed {
			return nil, appErr.Wrapf(err, appErr.ArtifactDecodeFailed, "decode artifact failed")
		}
		return nil, err
	}
	return data, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, err
		}
		return nil, appErr.Wrapf(err, appErr.ArtifactFetchFailed, "read artifact failed")
	}
	if int64(len(data)) > limit {
		return nil, appErr.New(appErr.ArtifactFetchFailed).WithMessage(fmt.Sprintf("artifact exceeds %d bytes", limit))
	}
	return data, nil
}
