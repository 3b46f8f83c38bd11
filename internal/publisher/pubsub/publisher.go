// Package pubsub publishes dead-lettered jobs to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic  *pubsub.Topic
	logger *zap.Logger
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{topic: topic, logger: logger}
}

// Dial opens a client for projectID and returns a Publisher for topicID along
// with a function that flushes and closes both.
func Dial(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*Publisher, func() error, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	closeFn := func() error {
		topic.Stop()
		return client.Close()
	}
	return New(topic, logger), closeFn, nil
}

// Publish marshals the record to JSON and waits for the server ack.
func (p *Publisher) Publish(ctx context.Context, failed monitor.FailedJob) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"lane":    string(failed.Lane),
			"kind":    failed.Kind,
			"attempt": strconv.Itoa(failed.Attempt),
		},
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish dead letter %s: %w", failed.JobID, err)
	}
	p.logger.Debug("dead letter published", zap.String("job_id", failed.JobID), zap.String("message_id", id))
	return nil
}
