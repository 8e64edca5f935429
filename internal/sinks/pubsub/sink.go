// Package pubsub publishes job completion notifications to a Google Cloud
// Pub/Sub topic so downstream pipelines can react without polling.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/insightops/fleetharvest/internal/fleet"
)

// Sink publishes one message per completed job.
type Sink struct {
	topic *pubsub.Topic
}

// New wraps the provided topic handle.
func New(topic *pubsub.Topic) (*Sink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Sink{topic: topic}, nil
}

// Name implements fleet.ResultSink.
func (s *Sink) Name() string { return "pubsub" }

// Write publishes the completion event and waits for the server ack.
func (s *Sink) Write(ctx context.Context, job *fleet.Job) error {
	data, err := json.Marshal(completionEvent{
		JobID:       job.ID,
		RunID:       job.RunID,
		ClientKey:   job.ClientKey,
		Attempt:     job.Attempt,
		CompletedAt: job.Timing.FinishedAt,
		Fields:      job.Result.Fields,
	})
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}
	result := s.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id":     job.RunID,
			"client_key": job.ClientKey,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish completion event: %w", err)
	}
	return nil
}

// Healthcheck verifies the topic exists.
func (s *Sink) Healthcheck(ctx context.Context) error {
	ok, err := s.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic exists: %w", err)
	}
	if !ok {
		return fmt.Errorf("topic %s does not exist", s.topic.ID())
	}
	return nil
}

// Close flushes outstanding publishes.
func (s *Sink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}

type completionEvent struct {
	JobID       string            `json:"job_id"`
	RunID       string            `json:"run_id"`
	ClientKey   string            `json:"client_key"`
	Attempt     int               `json:"attempt"`
	CompletedAt time.Time         `json:"completed_at"`
	Fields      map[string]string `json:"fields"`
}
