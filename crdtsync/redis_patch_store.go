package crdtsync

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"

	"jsoncrdt/clock"
	"jsoncrdt/crdtpatch"
	"jsoncrdt/internal/crdterr"
)

// RedisPatchStore is a PatchStore backed by a Redis Stream, giving every
// stored patch durability across process restarts and visibility to every
// replica sharing the stream key.
type RedisPatchStore struct {
	client    *redis.Client
	streamKey string
	maxLen    int64

	mu    sync.RWMutex
	cache map[clock.Timestamp]*crdtpatch.Patch
}

// NewRedisPatchStore creates the backing stream for streamKey if it does
// not already exist.
func NewRedisPatchStore(ctx context.Context, client *redis.Client, streamKey string) (*RedisPatchStore, error) {
	if client == nil {
		return nil, fmt.Errorf("crdtsync: redis client cannot be nil")
	}
	s := &RedisPatchStore{
		client:    client,
		streamKey: streamKey,
		maxLen:    10000,
		cache:     make(map[clock.Timestamp]*crdtpatch.Patch),
	}
	if err := s.initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RedisPatchStore) initialize(ctx context.Context) error {
	exists, err := s.client.Exists(ctx, s.streamKey).Result()
	if err != nil {
		return fmt.Errorf("crdtsync: check stream exists: %w", err)
	}
	if exists == 0 {
		if _, err := s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: s.streamKey,
			ID:     "*",
			Values: map[string]interface{}{"init": "true"},
		}).Result(); err != nil {
			return fmt.Errorf("crdtsync: create stream: %w", err)
		}
	}
	return nil
}

// StorePatch XAdds p's binary form along with its originating session and
// logical time, so GetPatches can filter without decoding every entry.
func (s *RedisPatchStore) StorePatch(p *crdtpatch.Patch) error {
	data, err := p.ToBinary()
	if err != nil {
		return fmt.Errorf("crdtsync: encode patch: %w", err)
	}
	id := p.ID()

	ctx := context.Background()
	_, err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey,
		MaxLen: s.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"data": data,
			"sid":  strconv.FormatUint(id.SID, 10),
			"time": strconv.FormatUint(id.Time, 10),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("crdtsync: add patch to stream: %w", err)
	}

	s.mu.Lock()
	s.cache[id] = p
	s.mu.Unlock()
	return nil
}

// GetPatches scans the stream and returns every patch whose id is at or
// beyond sv's recorded counter for its originating session.
func (s *RedisPatchStore) GetPatches(sv map[uint64]uint64) ([]*crdtpatch.Patch, error) {
	ctx := context.Background()
	messages, err := s.client.XRange(ctx, s.streamKey, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("crdtsync: range over stream: %w", err)
	}

	var out []*crdtpatch.Patch
	for _, msg := range messages {
		id, data, ok := parsePatchEntry(msg.Values)
		if !ok {
			continue
		}
		if from, known := sv[id.SID]; known && id.Time < from {
			continue
		}
		p, err := crdtpatch.FromBinary(data)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// GetPatch returns the patch with the given id, checking the local cache
// before falling back to a full stream scan.
func (s *RedisPatchStore) GetPatch(id clock.Timestamp) (*crdtpatch.Patch, error) {
	s.mu.RLock()
	if p, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		return p, nil
	}
	s.mu.RUnlock()

	ctx := context.Background()
	messages, err := s.client.XRange(ctx, s.streamKey, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("crdtsync: range over stream: %w", err)
	}
	for _, msg := range messages {
		entryID, data, ok := parsePatchEntry(msg.Values)
		if !ok || entryID != id {
			continue
		}
		p, err := crdtpatch.FromBinary(data)
		if err != nil {
			return nil, fmt.Errorf("crdtsync: decode patch: %w", err)
		}
		s.mu.Lock()
		s.cache[id] = p
		s.mu.Unlock()
		return p, nil
	}
	return nil, crdterr.InvalidOperation{Message: "patch not found"}
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisPatchStore) Close() error {
	return nil
}

func parsePatchEntry(values map[string]interface{}) (clock.Timestamp, []byte, bool) {
	if _, ok := values["init"]; ok {
		return clock.Timestamp{}, nil, false
	}
	sidStr, ok := values["sid"].(string)
	if !ok {
		return clock.Timestamp{}, nil, false
	}
	timeStr, ok := values["time"].(string)
	if !ok {
		return clock.Timestamp{}, nil, false
	}
	data, ok := values["data"].(string)
	if !ok {
		return clock.Timestamp{}, nil, false
	}
	sid, err := strconv.ParseUint(sidStr, 10, 64)
	if err != nil {
		return clock.Timestamp{}, nil, false
	}
	t, err := strconv.ParseUint(timeStr, 10, 64)
	if err != nil {
		return clock.Timestamp{}, nil, false
	}
	return clock.New(sid, t), []byte(data), true
}
