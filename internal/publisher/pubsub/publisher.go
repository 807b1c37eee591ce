// Package pubsub implements a Google Cloud Pub/Sub completion-event publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/creatorlift/engagement-ingest/internal/ingest"
)

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided project and topic.
func New(ctx context.Context, projectID, topicName string) (*Publisher, error) {
	if projectID == "" || topicName == "" {
		return nil, fmt.Errorf("pubsub project id and topic name are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{topic: client.Topic(topicName)}, nil
}

// NewWithTopic constructs a Publisher from an existing topic (primarily for
// testing against the emulator).
func NewWithTopic(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals the event to JSON and publishes it, blocking until the
// server acknowledges.
func (p *Publisher) Publish(ctx context.Context, event ingest.CompletionEvent) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"platform_source": event.PlatformSource,
			"duplicated":      fmt.Sprintf("%t", event.Duplicated),
		},
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
