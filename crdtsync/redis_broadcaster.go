package crdtsync

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"jsoncrdt/crdtpatch"
)

// RedisBroadcaster is a Broadcaster backed by a Redis Stream: patches are
// XAdd'd to a stream per document and consumed through a consumer group
// of the replica's own session, so every connected replica sees every
// patch exactly once and none are lost while a replica is briefly offline.
type RedisBroadcaster struct {
	client        *redis.Client
	streamKey     string
	consumerGroup string
	consumerName  string
	localSID      uint64
	maxLen        int64
}

// NewRedisBroadcaster creates the stream and consumer group for streamKey
// if they do not already exist, and returns a broadcaster bound to sid.
func NewRedisBroadcaster(ctx context.Context, client *redis.Client, streamKey string, sid uint64) (*RedisBroadcaster, error) {
	if client == nil {
		return nil, fmt.Errorf("crdtsync: redis client cannot be nil")
	}

	b := &RedisBroadcaster{
		client:        client,
		streamKey:     streamKey,
		consumerGroup: fmt.Sprintf("%s-group-%d", streamKey, sid),
		consumerName:  fmt.Sprintf("consumer-%s", uuid.NewString()[:8]),
		localSID:      sid,
		maxLen:        1000,
	}
	if err := b.initialize(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *RedisBroadcaster) initialize(ctx context.Context) error {
	exists, err := b.client.Exists(ctx, b.streamKey).Result()
	if err != nil {
		return fmt.Errorf("crdtsync: check stream exists: %w", err)
	}
	if exists == 0 {
		if _, err := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: b.streamKey,
			ID:     "*",
			Values: map[string]interface{}{"init": "true"},
		}).Result(); err != nil {
			return fmt.Errorf("crdtsync: create stream: %w", err)
		}
	}

	err = b.client.XGroupCreate(ctx, b.streamKey, b.consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("crdtsync: create consumer group: %w", err)
	}
	return nil
}

// Broadcast XAdds p's binary form to the stream.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, p *crdtpatch.Patch) error {
	data, err := p.ToBinary()
	if err != nil {
		return fmt.Errorf("crdtsync: encode patch: %w", err)
	}

	_, err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"data": data,
			"sid":  b.localSID,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("crdtsync: add message to stream: %w", err)
	}
	return nil
}

// Next blocks until a patch not originated by this broadcaster's own
// session is available, ctx is cancelled, or a non-timeout Redis error
// occurs.
func (b *RedisBroadcaster) Next(ctx context.Context) (*crdtpatch.Patch, error) {
	for {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.consumerGroup,
			Consumer: b.consumerName,
			Streams:  []string{b.streamKey, ">"},
			Count:    1,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				return nil, err
			}
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("crdtsync: read from stream: %w", err)
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			continue
		}

		msg := streams[0].Messages[0]
		b.client.XAck(ctx, b.streamKey, b.consumerGroup, msg.ID)

		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		sidStr, _ := msg.Values["sid"].(string)
		if sidStr == fmt.Sprint(b.localSID) {
			continue
		}

		p, err := crdtpatch.FromBinary([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("crdtsync: decode patch: %w", err)
		}
		return p, nil
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBroadcaster) Close() error {
	return nil
}
