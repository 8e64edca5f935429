// Package gcs archives completed job results as JSON blobs in a Google Cloud
// Storage bucket.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/insightops/fleetharvest/internal/fleet"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix namespaces blobs inside the bucket (default "results").
	Prefix string
}

// Sink writes one JSON object per completed job.
type Sink struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed result sink.
func New(client *storage.Client, cfg Config) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "results"
	}
	return &Sink{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Name implements fleet.ResultSink.
func (s *Sink) Name() string { return "gcs" }

// Write uploads the job's result document to
// gs://<bucket>/<prefix>/<run_id>/<job_id>.json.
func (s *Sink) Write(ctx context.Context, job *fleet.Job) error {
	doc, err := json.Marshal(resultDocument{
		JobID:     job.ID,
		RunID:     job.RunID,
		ClientKey: job.ClientKey,
		Attempt:   job.Attempt,
		Fields:    job.Result.Fields,
		Artifacts: job.Result.Artifacts,
	})
	if err != nil {
		return fmt.Errorf("marshal result document: %w", err)
	}
	path := fmt.Sprintf("%s/%s/%s.json", s.prefix, job.RunID, job.ID)
	if err := s.putObject(ctx, path, "application/json", bytes.NewReader(doc)); err != nil {
		return err
	}
	return nil
}

func (s *Sink) putObject(ctx context.Context, path, contentType string, r io.Reader) error {
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Healthcheck verifies the bucket is reachable.
func (s *Sink) Healthcheck(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("bucket attrs: %w", err)
	}
	return nil
}

// Close closes the storage client.
func (s *Sink) Close(context.Context) error {
	return s.client.Close()
}

type resultDocument struct {
	JobID     string            `json:"job_id"`
	RunID     string            `json:"run_id"`
	ClientKey string            `json:"client_key"`
	Attempt   int               `json:"attempt"`
	Fields    map[string]string `json:"fields"`
	Artifacts []string          `json:"artifacts,omitempty"`
}
