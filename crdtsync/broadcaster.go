package crdtsync

import (
	"context"
	"sync"

	"jsoncrdt/crdtpatch"
)

// Broadcaster publishes patches to, and receives them from, a topic
// shared by every replica of one document. Implementations never inspect
// patch contents; they move Patch.ToBinary() blobs.
type Broadcaster interface {
	Broadcast(ctx context.Context, p *crdtpatch.Patch) error
	Next(ctx context.Context) (*crdtpatch.Patch, error)
	Close() error
}

// MemoryBroadcaster is a single-process Broadcaster backed by a buffered
// channel. It is meant for tests and in-process fan-out; RedisBroadcaster
// is the cross-process counterpart.
type MemoryBroadcaster struct {
	ch       chan *crdtpatch.Patch
	closeMu  sync.Mutex
	closed   bool
	closedCh chan struct{}
}

// NewMemoryBroadcaster returns a MemoryBroadcaster with the given channel
// buffer size.
func NewMemoryBroadcaster(buffer int) *MemoryBroadcaster {
	return &MemoryBroadcaster{
		ch:       make(chan *crdtpatch.Patch, buffer),
		closedCh: make(chan struct{}),
	}
}

// Broadcast enqueues p for delivery to the next Next call.
func (b *MemoryBroadcaster) Broadcast(ctx context.Context, p *crdtpatch.Patch) error {
	select {
	case b.ch <- p:
		return nil
	case <-b.closedCh:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next blocks until a patch is available, ctx is cancelled, or the
// broadcaster is closed.
func (b *MemoryBroadcaster) Next(ctx context.Context) (*crdtpatch.Patch, error) {
	select {
	case p := <-b.ch:
		return p, nil
	case <-b.closedCh:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unblocks any pending Broadcast or Next calls.
func (b *MemoryBroadcaster) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closedCh)
	return nil
}
