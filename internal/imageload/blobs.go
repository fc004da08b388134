package imageload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/google/uuid"
)

// BlobScheme prefixes references to uploaded images
const BlobScheme = "blob"

type blob struct {
	data        []byte
	contentType string
}

// BlobStore keeps uploaded image bytes in memory under opaque "blob:<id>"
// references until they are released
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

// NewBlobStore creates an empty blob store
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]blob)}
}

// Put stores data and returns a fresh reference to it
func (b *BlobStore) Put(data []byte, contentType string) string {
	ref := BlobScheme + ":" + uuid.NewString()

	b.mu.Lock()
	b.blobs[ref] = blob{data: data, contentType: contentType}
	count := len(b.blobs)
	b.mu.Unlock()

	logger.WithComponent("imageload").Debug().
		Str("ref", ref).
		Int("bytes", len(data)).
		Int("blobs", count).
		Msg("Stored upload")
	return ref
}

// Open implements Resolver
func (b *BlobStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	b.mu.RLock()
	bl, ok := b.blobs[ref]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return io.NopCloser(bytes.NewReader(bl.data)), nil
}

// Release implements Releaser. The reference becomes unresolvable.
func (b *BlobStore) Release(ref string) {
	b.mu.Lock()
	_, ok := b.blobs[ref]
	delete(b.blobs, ref)
	b.mu.Unlock()

	if ok {
		logger.WithComponent("imageload").Debug().Str("ref", ref).Msg("Revoked upload")
	}
}

// ContentType returns the content type recorded for ref
func (b *BlobStore) ContentType(ref string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bl, ok := b.blobs[ref]
	return bl.contentType, ok
}

// Len returns the number of live blobs
func (b *BlobStore) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}
