package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/idcache/identifier"
	"github.com/izavyalov-dev/idcache/internal/observability"
)

// stubSource mints sequential identifiers and records every request.
type stubSource struct {
	mu          sync.Mutex
	next        int64
	requests    []int
	unavailable bool
	// limit caps identifiers per call when positive; failAfter fails every call
	// after that many successful ones when positive.
	limit     int
	failAfter int
	failFor   map[string]error
	err       error
}

func (s *stubSource) Status() identifier.Status {
	return identifier.Status{Running: !s.unavailable, Version: "stub"}
}

func (s *stubSource) IsReservationAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unavailable
}

func (s *stubSource) ReserveIDs(ctx context.Context, namespace int, partitionID string, quantity int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, quantity)

	if err, ok := s.failFor[partitionID]; ok {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.failAfter > 0 && len(s.requests) > s.failAfter {
		return nil, &identifier.Error{Kind: identifier.KindRemoteJobFailure, Op: "reserve", Detail: "stub failure"}
	}
	if s.limit > 0 {
		quantity = min(quantity, s.limit)
	}
	ids := make([]int64, 0, quantity)
	for i := 0; i < quantity; i++ {
		s.next++
		ids = append(ids, s.next)
	}
	return ids, nil
}

func (s *stubSource) Requests() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.requests...)
}

func newTestCache(capacity int, threshold float64, source identifier.Source) *StreamCache {
	return NewStreamCache(identifier.Key{Namespace: 1000168, PartitionID: "10"}, capacity, threshold, source,
		WithCacheLogger(observability.Discard()))
}

func TestTopUpFillsToCapacityBelowThreshold(t *testing.T) {
	source := &stubSource{}
	cache := newTestCache(10, 0.2, source)

	require.NoError(t, cache.TopUp(context.Background()))
	assert.Equal(t, 10, cache.Len())
	assert.Equal(t, []int{10}, source.Requests())

	require.NoError(t, cache.TopUp(context.Background()))
	assert.Equal(t, []int{10}, source.Requests(), "no reservation at or above the threshold")
}

func TestGetIdentifierDoesNotRefillNonEmptyBuffer(t *testing.T) {
	source := &stubSource{}
	cache := newTestCache(10, 0.2, source)
	require.NoError(t, cache.TopUp(context.Background()))

	for i := 0; i < 8; i++ {
		_, err := cache.GetIdentifier(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 2, cache.Len())

	_, err := cache.GetIdentifier(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, []int{10}, source.Requests())

	require.NoError(t, cache.TopUp(context.Background()))
	assert.Equal(t, 10, cache.Len())
	assert.Equal(t, []int{10, 9}, source.Requests())
}

func TestGetIdentifierRefillsOnceWhenEmpty(t *testing.T) {
	source := &stubSource{}
	cache := newTestCache(5, 0.2, source)

	id, err := cache.GetIdentifier(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, 4, cache.Len())
	assert.Equal(t, []int{5}, source.Requests())
}

func TestGetIdentifierPropagatesSourceFailure(t *testing.T) {
	source := &stubSource{err: &identifier.Error{Kind: identifier.KindTimeout, Op: "poll", Detail: "slow"}}
	cache := newTestCache(5, 0.2, source)

	_, err := cache.GetIdentifier(context.Background())
	assert.ErrorIs(t, err, identifier.ErrTimeout)
	assert.Equal(t, 0, cache.Len())
	assert.Len(t, source.Requests(), 1, "exactly one refill attempt")
}

func TestGetIdentifierReportsExhaustionWhenRefillIsEmpty(t *testing.T) {
	cache := newTestCache(5, 0.2, &emptySource{})

	_, err := cache.GetIdentifier(context.Background())
	assert.ErrorIs(t, err, identifier.ErrExhausted)
	assert.Equal(t, 0, cache.Len())
}

func TestShortRefillIsBufferedButFails(t *testing.T) {
	source := &stubSource{limit: 3}
	cache := newTestCache(5, 0.2, source)

	_, err := cache.GetIdentifier(context.Background())
	assert.ErrorIs(t, err, identifier.ErrProtocol)
	assert.Equal(t, 3, cache.Len(), "identifiers that did arrive are kept")

	id, err := cache.GetIdentifier(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, []int{5}, source.Requests())
}

func TestShortTopUpReportsProtocolError(t *testing.T) {
	source := &stubSource{limit: 4}
	cache := newTestCache(10, 0.5, source)

	err := cache.TopUp(context.Background())
	assert.ErrorIs(t, err, identifier.ErrProtocol)
	assert.Equal(t, 4, cache.Len())

	err = cache.TopUp(context.Background())
	assert.ErrorIs(t, err, identifier.ErrProtocol)
	assert.Equal(t, 8, cache.Len())
	assert.Equal(t, []int{10, 6}, source.Requests())
}

type emptySource struct{ stubSource }

func (s *emptySource) ReserveIDs(ctx context.Context, namespace int, partitionID string, quantity int) ([]int64, error) {
	return []int64{}, nil
}

func TestZeroCapacityRefillsOnDemand(t *testing.T) {
	source := &stubSource{}
	cache := newTestCache(0, 0.2, source)

	require.NoError(t, cache.TopUp(context.Background()))
	assert.Empty(t, source.Requests())

	for i := 0; i < 3; i++ {
		_, err := cache.GetIdentifier(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 1, 1}, source.Requests())
	assert.Equal(t, 0, cache.Len())
}

func TestZeroThresholdDisablesProactiveRefill(t *testing.T) {
	source := &stubSource{}
	cache := newTestCache(5, 0, source)

	require.NoError(t, cache.TopUp(context.Background()))
	assert.Empty(t, source.Requests())

	_, err := cache.GetIdentifier(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{5}, source.Requests())
}

func TestRestorePutsIdentifiersBackInOrder(t *testing.T) {
	source := &stubSource{}
	cache := newTestCache(4, 0.2, source)

	first, err := cache.GetIdentifier(context.Background())
	require.NoError(t, err)
	second, err := cache.GetIdentifier(context.Background())
	require.NoError(t, err)

	cache.Restore([]int64{first, second})
	assert.Equal(t, 4, cache.Len())

	for _, want := range []int64{first, second, 3, 4} {
		got, err := cache.GetIdentifier(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestConcurrentDispenseNeverDuplicates(t *testing.T) {
	source := &stubSource{}
	cache := newTestCache(20, 0.2, source)

	const workers, perWorker = 8, 50
	results := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := cache.GetIdentifier(context.Background())
				if err != nil {
					t.Errorf("get identifier: %v", err)
					return
				}
				results <- id
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	for id := range results {
		require.False(t, seen[id], "identifier %d dispensed twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestTopUpHonoursCallerContext(t *testing.T) {
	source := &blockingSource{release: make(chan struct{})}
	cache := newTestCache(5, 0.2, source)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cache.TopUp(ctx)
	assert.ErrorIs(t, err, identifier.ErrCanceled)
	assert.NotErrorIs(t, err, identifier.ErrTimeout)
	assert.True(t, errors.Is(err, context.Canceled))

	close(source.release)
	require.Eventually(t, func() bool { return cache.Len() == 5 }, time.Second, 5*time.Millisecond,
		"abandoned top-up still lands in the buffer")
}

type blockingSource struct {
	stubSource
	release chan struct{}
}

func (s *blockingSource) ReserveIDs(ctx context.Context, namespace int, partitionID string, quantity int) ([]int64, error) {
	<-s.release
	return s.stubSource.ReserveIDs(ctx, namespace, partitionID, quantity)
}

func TestConcurrentTopUpsShareOneReservation(t *testing.T) {
	source := &blockingSource{release: make(chan struct{})}
	cache := newTestCache(10, 0.2, source)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, cache.TopUp(context.Background()))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(source.release)
	wg.Wait()

	assert.Equal(t, 10, cache.Len())
	assert.Equal(t, []int{10}, source.Requests())
}
