package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress"
)

// PubSubSink publishes progress events to a Pub/Sub topic as JSON messages
// with stage and target attributes for subscription filters.
type PubSubSink struct {
	topic  *pubsub.Topic
	client *pubsub.Client
}

// NewPubSubSink opens a client for projectID and binds topicID, failing when
// the topic does not exist.
func NewPubSubSink(ctx context.Context, projectID, topicID string) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	sink, err := newPubSubSink(ctx, client, topicID)
	if err != nil {
		return nil, errors.Join(err, client.Close())
	}
	return sink, nil
}

// NewPubSubSinkWithClient binds topicID on an existing client. Close stops
// the topic and closes the client.
func NewPubSubSinkWithClient(ctx context.Context, client *pubsub.Client, topicID string) (*PubSubSink, error) {
	return newPubSubSink(ctx, client, topicID)
}

func newPubSubSink(ctx context.Context, client *pubsub.Client, topicID string) (*PubSubSink, error) {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %q does not exist", topicID)
	}
	return &PubSubSink{topic: topic, client: client}, nil
}

// Consume publishes the batch and waits for every server ack.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal progress event: %w", err)
		}
		attrs := map[string]string{"stage": string(evt.Stage)}
		if evt.TargetID != 0 {
			attrs["target_id"] = strconv.Itoa(evt.TargetID)
		}
		otel.GetTextMapPropagator().Inject(ctx, attributeCarrier(attrs))
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %d/%d progress events: %w", len(errs), len(batch), errors.Join(errs...))
	}
	return nil
}

// Close flushes outstanding publishes and closes the client.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// attributeCarrier lets the otel propagator write trace context into
// message attributes.
type attributeCarrier map[string]string

func (c attributeCarrier) Get(key string) string { return c[key] }

func (c attributeCarrier) Set(key, value string) { c[key] = value }

func (c attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
