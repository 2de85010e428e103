// Package store defines the message store interface (§6): a restartable
// byte stream of the on-disk body exactly as accepted from ingress, with
// no line-ending rewriting.
//
// Grounded on internal/buffer.Buffer, which already provides the
// open-multiple-times-from-offset-zero semantics this interface needs;
// Store is the narrow read-only facade the Pipeline Composer and SMTP
// Client consume, independent of how a given deployment actually stores
// bodies (disk, object storage, ...).
package store

import (
	"bytes"
	"context"
	"io"
	"path/filepath"

	"github.com/relaymta/relaymta/internal/buffer"
)

// Store retrieves a previously-ingested message body by id.
type Store interface {
	// Retrieve opens a fresh, independently-seekable read of the body
	// identified by id, starting at offset zero. Callers may call
	// Retrieve for the same id concurrently (e.g. one attempt per Zone
	// Worker) and each call MUST observe the full body.
	Retrieve(ctx context.Context, id string) (io.ReadCloser, error)
}

// BufferStore adapts a map of in-memory buffers to Store, the shape used
// by the engine's own tests in place of a real disk-backed store.
type BufferStore struct {
	bodies map[string][]byte
}

func NewBufferStore() *BufferStore {
	return &BufferStore{bodies: make(map[string][]byte)}
}

func (s *BufferStore) Put(id string, body []byte) {
	s.bodies[id] = body
}

func (s *BufferStore) Retrieve(ctx context.Context, id string) (io.ReadCloser, error) {
	body, ok := s.bodies[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// DiskStore retrieves bodies from a flat directory of files named by
// message id, built on internal/buffer.FileBuffer's already-seekable-
// multiple-times Open semantics.
type DiskStore struct {
	Dir string
}

func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{Dir: dir}
}

func (s *DiskStore) Retrieve(ctx context.Context, id string) (io.ReadCloser, error) {
	fb := buffer.FileBuffer{Path: filepath.Join(s.Dir, id)}
	r, err := fb.Open()
	if err != nil {
		return nil, &NotFoundError{ID: id}
	}
	return r, nil
}

// NotFoundError is returned by Retrieve for an unknown id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return "store: no such message: " + e.ID
}
