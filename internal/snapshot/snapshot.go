// Package snapshot archives raw portal pages so extractions can be audited
// and replayed without revisiting the portal. The blob store abstraction
// keeps the pipeline independent of a specific backend (Google Cloud Storage,
// the local filesystem, or memory for tests).
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/hash/sha256"
)

// BlobStore writes one blob and returns a stable URI for it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// NoopStore discards snapshots. Useful for dry runs.
type NoopStore struct{}

// PutObject drops the data and returns an empty URI.
func (NoopStore) PutObject(_ context.Context, _ string, _ string, _ io.Reader) (string, error) {
	return "", nil
}

const pageContentType = "text/html; charset=utf-8"

// Archiver names and stores page snapshots. Paths embed a content hash so
// re-archiving an unchanged page is idempotent.
type Archiver struct {
	store  BlobStore
	hasher *sha256.Hasher
	prefix string
	logger *zap.Logger
}

// NewArchiver wires the archiver over a blob store. An empty prefix defaults
// to "snapshots".
func NewArchiver(store BlobStore, prefix string, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if prefix == "" {
		prefix = "snapshots"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:  store,
		hasher: sha256.New(),
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}, nil
}

// ArchivePage stores one page capture under <prefix>/<run>/<job>-<hash>.html
// and returns its URI.
func (a *Archiver) ArchivePage(ctx context.Context, runID, jobID string, html []byte) (string, error) {
	if len(html) == 0 {
		return "", fmt.Errorf("empty page body")
	}
	digest, err := a.hasher.Hash(html)
	if err != nil {
		return "", fmt.Errorf("hash page body: %w", err)
	}
	path := fmt.Sprintf("%s/%s/%s-%s.html", a.prefix, runID, jobID, digest[:12])

	uri, err := a.store.PutObject(ctx, path, pageContentType, bytes.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("store page snapshot: %w", err)
	}
	a.logger.Debug("page snapshot archived",
		zap.String("job_id", jobID),
		zap.String("uri", uri),
		zap.Int("bytes", len(html)),
	)
	return uri, nil
}
