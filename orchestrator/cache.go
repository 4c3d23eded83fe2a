package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/izavyalov-dev/idcache/identifier"
	"github.com/izavyalov-dev/idcache/internal/observability"
)

// StreamCache buffers reserved identifiers for one (namespace, partition)
// stream. Identifiers leave the buffer in the order they were reserved and
// are never handed out twice. The buffer lock is never held across a call to
// the source.
type StreamCache struct {
	key       identifier.Key
	capacity  int
	threshold float64
	source    identifier.Source
	logger    *slog.Logger
	metrics   *observability.Metrics

	refills singleflight.Group

	mu     sync.Mutex
	buffer []int64
}

// CacheOption customises a StreamCache.
type CacheOption func(*StreamCache)

func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *StreamCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithCacheMetrics(metrics *observability.Metrics) CacheOption {
	return func(c *StreamCache) { c.metrics = metrics }
}

// NewStreamCache returns an empty cache. A capacity of zero refills on demand
// only; a threshold of zero disables proactive top-up.
func NewStreamCache(key identifier.Key, capacity int, threshold float64, source identifier.Source, opts ...CacheOption) *StreamCache {
	c := &StreamCache{
		key:       key,
		capacity:  max(capacity, 0),
		threshold: min(max(threshold, 0), 1),
		source:    source,
		logger:    observability.NewLogger("orchestrator.cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = observability.WithStream(c.logger, key.String())
	return c
}

func (c *StreamCache) Key() identifier.Key { return c.key }

func (c *StreamCache) Capacity() int { return c.capacity }

// Len returns the number of buffered identifiers.
func (c *StreamCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// TopUp refills the buffer to capacity when it has dropped below
// capacity*threshold. It is a no-op otherwise. Concurrent top-ups of the same
// stream share one source call.
func (c *StreamCache) TopUp(ctx context.Context) error {
	if c.deficit() == 0 {
		return nil
	}
	ch := c.refills.DoChan("topup", func() (any, error) {
		needed := c.deficit()
		if needed == 0 {
			return nil, nil
		}
		ids, err := c.fetch(context.WithoutCancel(ctx), needed)
		c.push(ids)
		return nil, err
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return identifier.ContextError("topup", c.key.String(), ctx.Err())
	}
}

// GetIdentifier pops the oldest buffered identifier. An empty buffer triggers
// exactly one synchronous refill of capacity identifiers (at least one), and
// the caller is served from it before anyone else can drain it. A short
// refill is buffered but fails the call.
func (c *StreamCache) GetIdentifier(ctx context.Context) (int64, error) {
	if id, ok := c.pop(); ok {
		return id, nil
	}

	ids, err := c.fetch(ctx, max(c.capacity, 1))
	if err != nil {
		c.push(ids)
		return 0, err
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, ids...)
	id := c.buffer[0]
	c.buffer = c.buffer[1:]
	size := len(c.buffer)
	c.mu.Unlock()

	c.metrics.SetCacheSize(c.key.String(), size)
	return id, nil
}

// Restore returns identifiers that were popped but never handed to a caller.
// They go back to the front of the buffer in their original order.
func (c *StreamCache) Restore(ids []int64) {
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	c.buffer = append(append(make([]int64, 0, len(ids)+len(c.buffer)), ids...), c.buffer...)
	size := len(c.buffer)
	c.mu.Unlock()

	c.metrics.SetCacheSize(c.key.String(), size)
	c.logger.Info("restored undispensed identifiers", "event", "identifiers_restored", "count", len(ids))
}

// deficit is the gap to capacity once the buffer is below the threshold.
func (c *StreamCache) deficit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := len(c.buffer)
	if float64(size) < float64(c.capacity)*c.threshold {
		return c.capacity - size
	}
	return 0
}

// fetch reserves needed identifiers. Fewer than needed is an error, but the
// identifiers that did arrive are returned with it: they are reserved and
// must not be lost.
func (c *StreamCache) fetch(ctx context.Context, needed int) ([]int64, error) {
	ids, err := c.source.ReserveIDs(ctx, c.key.Namespace, c.key.PartitionID, needed)
	if err != nil {
		c.metrics.IncTopUp("failed")
		return nil, err
	}
	if len(ids) < needed {
		c.metrics.IncTopUp("short")
		c.logger.Warn("source returned too few identifiers", "event", "topup_short", "requested", needed, "received", len(ids))
		kind := identifier.KindProtocol
		if len(ids) == 0 {
			kind = identifier.KindExhausted
		}
		return ids, &identifier.Error{Kind: kind, Op: "topup", Stream: c.key.String(),
			Detail: fmt.Sprintf("source returned %d identifiers, expected %d", len(ids), needed)}
	}
	c.metrics.IncTopUp("ok")
	c.logger.Debug("stream refilled", "event", "topup_completed", "reserved", len(ids))
	return ids, nil
}

func (c *StreamCache) push(ids []int64) {
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	c.buffer = append(c.buffer, ids...)
	size := len(c.buffer)
	c.mu.Unlock()
	c.metrics.SetCacheSize(c.key.String(), size)
}

func (c *StreamCache) pop() (int64, bool) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return 0, false
	}
	id := c.buffer[0]
	c.buffer = c.buffer[1:]
	size := len(c.buffer)
	c.mu.Unlock()

	c.metrics.SetCacheSize(c.key.String(), size)
	return id, true
}
