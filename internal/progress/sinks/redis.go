package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress"
)

const defaultLatestTTL = 24 * time.Hour

// RedisSink publishes every event to a channel and keeps the latest event per
// job (or batch) under "<channel>:latest:<key>" for late subscribers.
type RedisSink struct {
	client    redis.UniversalClient
	channel   string
	latestTTL time.Duration
	owned     bool
}

// NewRedisSink dials addr and pings it.
func NewRedisSink(ctx context.Context, addr, channel string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	s := NewRedisSinkWithClient(client, channel)
	s.owned = true
	return s, nil
}

// NewRedisSinkWithClient wraps an existing client; Close leaves it open.
func NewRedisSinkWithClient(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = "crawler:progress"
	}
	return &RedisSink{client: client, channel: channel, latestTTL: defaultLatestTTL}
}

// Consume pipelines one PUBLISH and one SET per event.
func (s *RedisSink) Consume(ctx context.Context, batch []progress.Event) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal progress event: %w", err)
		}
		pipe.Publish(ctx, s.channel, data)
		if key := latestKey(evt); key != "" {
			pipe.Set(ctx, s.channel+":latest:"+key, data, s.latestTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish progress batch: %w", err)
	}
	return nil
}

// Close releases the client when the sink dialed it.
func (s *RedisSink) Close(context.Context) error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func latestKey(evt progress.Event) string {
	switch {
	case evt.JobID != "":
		return "job:" + evt.JobID
	case evt.BatchID != "":
		return "batch:" + evt.BatchID
	case evt.TargetID != 0:
		return "target:" + strconv.Itoa(evt.TargetID)
	default:
		return ""
	}
}
