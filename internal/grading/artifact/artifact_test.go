package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"gradingnode/internal/common/storage"
	appErr "gradingnode/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

type fakeObjects struct {
	objects map[string][]byte
}

func (f *fakeObjects) OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, storage.ObjectStat, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, storage.ObjectStat{}, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func TestFetchObjectAndDecompress(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{
		"tests/p1/1.in":      []byte("1 2\n"),
		"tests/p1/1.out.zst": compress(t, []byte("3\n")),
	}}
	s := NewStore(Config{DefaultBucket: "tests"}, objects)

	data, err := s.Fetch(context.Background(), Ref{Key: "p1/1.in"})
	if err != nil || string(data) != "1 2\n" {
		t.Fatalf("fetch: %q %v", data, err)
	}
	data, err = s.Fetch(context.Background(), Ref{Bucket: "tests", Key: "p1/1.out.zst"})
	if err != nil || string(data) != "3\n" {
		t.Fatalf("fetch zst: %q %v", data, err)
	}
	if _, err := s.Fetch(context.Background(), Ref{Key: "p1/missing"}); appErr.GetCode(err) != appErr.ArtifactNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFetchLocal(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := []byte("print(1)")
	if err := os.WriteFile(filepath.Join(root, "src", "main.py"), content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := NewStore(Config{LocalRoot: root}, nil)
	sum := sha256.Sum256(content)

	data, err := s.Fetch(context.Background(), Ref{Key: "src/main.py", SHA256: hex.EncodeToString(sum[:])})
	if err != nil || string(data) != "print(1)" {
		t.Fatalf("fetch: %q %v", data, err)
	}
	if _, err := s.Fetch(context.Background(), Ref{Key: "src/main.py", SHA256: "00"}); appErr.GetCode(err) != appErr.ArtifactFetchFailed {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
	if _, err := s.Fetch(context.Background(), Ref{Key: "../etc/passwd"}); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected traversal rejection, got %v", err)
	}
	if _, err := s.Fetch(context.Background(), Ref{Key: "nope"}); appErr.GetCode(err) != appErr.ArtifactNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFetchLimits(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{
		"b/big":      bytes.Repeat([]byte("x"), 100),
		"b/bomb.zst": compress(t, bytes.Repeat([]byte("y"), 1000)),
		"b/bad.zst":  []byte("not zstd"),
	}}
	s := NewStore(Config{DefaultBucket: "b", MaxBytes: 64}, objects)
	if _, err := s.Fetch(context.Background(), Ref{Key: "big"}); appErr.GetCode(err) != appErr.ArtifactFetchFailed {
		t.Fatalf("expected size failure, got %v", err)
	}
	if _, err := s.Fetch(context.Background(), Ref{Key: "bomb.zst"}); appErr.GetCode(err) != appErr.ArtifactDecodeFailed {
		t.Fatalf("expected decode failure, got %v", err)
	}
	if _, err := s.Fetch(context.Background(), Ref{Key: "bad.zst"}); appErr.GetCode(err) != appErr.ArtifactDecodeFailed {
		t.Fatalf("expected decode failure, got %v", err)
	}
}

func TestFetchUnconfigured(t *testing.T) {
	s := NewStore(Config{}, nil)
	if _, err := s.Fetch(context.Background(), Ref{Key: "x"}); appErr.GetCode(err) != appErr.ServiceUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, err := s.Fetch(context.Background(), Ref{}); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected validation error, got %v", err)
	}
}
