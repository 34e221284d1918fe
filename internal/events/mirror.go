package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Mirror copies the live event stream into a Redis Stream per instance so
// subscribers in other processes can follow and resume execution feeds.
type Mirror struct {
	client *redis.Client
	maxLen int64
	ttl    time.Duration
	logger *zap.Logger
}

// NewMirror creates a Redis Streams mirror. maxLen bounds each stream
// (approximate trimming); ttl expires streams of finished instances.
func NewMirror(client *redis.Client, maxLen int64, ttl time.Duration, logger *zap.Logger) *Mirror {
	if maxLen <= 0 {
		maxLen = 4096
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Mirror{client: client, maxLen: maxLen, ttl: ttl, logger: logger}
}

func streamKey(instanceID string) string { return "fluxbpm:events:" + instanceID }

// Append writes the event to the instance stream. Failures are logged, not
// surfaced: the in-process stream and the durable store remain authoritative.
func (m *Mirror) Append(ctx context.Context, evt Event) {
	err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(evt.InstanceID),
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": string(evt.Marshal())},
	}).Err()
	if err != nil {
		m.logger.Warn("redis mirror append failed",
			zap.String("instance_id", evt.InstanceID),
			zap.Error(err))
		return
	}
	m.client.Expire(ctx, streamKey(evt.InstanceID), m.ttl)
}

// Read returns up to count mirrored events after the given stream id
// ("0" for the beginning, "$" for only new entries via blocking reads).
func (m *Mirror) Read(ctx context.Context, instanceID, afterID string, count int64) ([]Event, string, error) {
	if afterID == "" {
		afterID = "0"
	}
	res, err := m.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamKey(instanceID), afterID},
		Count:   count,
		Block:   -1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, afterID, nil
		}
		return nil, afterID, err
	}
	var out []Event
	last := afterID
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, _ := msg.Values["event"].(string)
			var evt Event
			if err := unmarshalEvent(raw, &evt); err != nil {
				m.logger.Warn("bad mirrored event", zap.String("id", msg.ID), zap.Error(err))
				continue
			}
			out = append(out, evt)
			last = msg.ID
		}
	}
	return out, last, nil
}
