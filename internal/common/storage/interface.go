package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned when the bucket or object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage is the read side of an object store. Artifacts are opened
// once and streamed; the caller closes the reader.
type ObjectStorage interface {
	OpenObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, ObjectStat, error)
}

// ObjectStat is the metadata returned with an opened object. SizeBytes is -1
// when the store did not report a size.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
