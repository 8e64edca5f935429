// Package redis mirrors completed job results into Redis for downstream
// consumers: a per-job hash for lookups and a stream for tailing.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/insightops/fleetharvest/internal/fleet"
)

// Config controls key naming and the target stream.
type Config struct {
	// KeyPrefix prefixes the per-job result hashes (default "fleet:result").
	KeyPrefix string
	// Stream receives one entry per completed job (default "fleet:results").
	Stream string
	// TTL expires result hashes; zero keeps them forever.
	TTL time.Duration
}

// Sink writes result hashes and stream entries.
type Sink struct {
	client *redis.Client
	cfg    Config
}

// New wraps an existing Redis client.
func New(client *redis.Client, cfg Config) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "fleet:result"
	}
	if cfg.Stream == "" {
		cfg.Stream = "fleet:results"
	}
	return &Sink{client: client, cfg: cfg}, nil
}

// Name implements fleet.ResultSink.
func (s *Sink) Name() string { return "redis" }

// Write stores the extracted fields under one hash per job and appends a
// completion entry to the stream.
func (s *Sink) Write(ctx context.Context, job *fleet.Job) error {
	key := fmt.Sprintf("%s:%s", s.cfg.KeyPrefix, job.ID)

	fields := make(map[string]any, len(job.Result.Fields)+3)
	for k, v := range job.Result.Fields {
		fields[k] = v
	}
	fields["run_id"] = job.RunID
	fields["client_key"] = job.ClientKey
	fields["attempt"] = job.Attempt

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if s.cfg.TTL > 0 {
		pipe.Expire(ctx, key, s.cfg.TTL)
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: map[string]any{
			"job_id":     job.ID,
			"run_id":     job.RunID,
			"client_key": job.ClientKey,
			"result_key": key,
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write result to redis: %w", err)
	}
	return nil
}

// Healthcheck pings the server.
func (s *Sink) Healthcheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Sink) Close(context.Context) error {
	return s.client.Close()
}
