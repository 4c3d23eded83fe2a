package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/idcache/cis"
	"github.com/izavyalov-dev/idcache/identifier"
	"github.com/izavyalov-dev/idcache/internal/cistest"
	"github.com/izavyalov-dev/idcache/internal/observability"
)

var testStream = identifier.Key{Namespace: 1000168, PartitionID: "10"}

func newTestService(t *testing.T, cfg Config, source identifier.Source) *Service {
	t.Helper()
	svc, err := New(context.Background(), cfg, WithSource(source), WithLogger(observability.Discard()))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func TestStartupFillsPrecreatedStreamsFromCIS(t *testing.T) {
	fake := cistest.NewServer(cistest.Behavior{PollsBeforeSuccess: 1})
	srv := cistest.Start(t, fake)

	cfg := DefaultConfig()
	cfg.Precreate = []identifier.Key{testStream}
	cfg.CIS = cisTestConfig(srv.URL)

	svc, err := New(context.Background(), cfg, WithLogger(observability.Discard()))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	stats := svc.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, "1000168:10", stats[0].Stream)
	assert.Equal(t, 50, stats[0].Size)
	assert.Equal(t, []int{50}, fake.Submissions())
	assert.Equal(t, identifier.Status{Running: true, Version: "N/A"}, svc.Status())
}

func TestNewFailsFastOnCISAuthentication(t *testing.T) {
	fake := cistest.NewServer(cistest.Behavior{RejectLogin: true})
	srv := cistest.Start(t, fake)

	cfg := DefaultConfig()
	cfg.CIS = cis.Config{URL: srv.URL, Username: "u", Password: "p", SoftwareName: "idcache-test"}

	_, err := New(context.Background(), cfg, WithLogger(observability.Discard()))
	assert.ErrorIs(t, err, identifier.ErrAuthentication)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefillThreshold = 1.5
	_, err := New(context.Background(), cfg, WithSource(&stubSource{}))
	assert.ErrorIs(t, err, identifier.ErrConfiguration)

	cfg = DefaultConfig()
	cfg.Precreate = []identifier.Key{{Namespace: 1, PartitionID: ""}}
	_, err = New(context.Background(), cfg, WithSource(&stubSource{}))
	assert.ErrorIs(t, err, identifier.ErrConfiguration)
}

func TestDisabledServiceIsInert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CIS.URL = "local"
	cfg.Precreate = []identifier.Key{testStream}

	svc, err := New(context.Background(), cfg, WithLogger(observability.Discard()))
	require.NoError(t, err)
	svc.Start(context.Background())
	t.Cleanup(svc.Close)

	assert.False(t, svc.IsReservationAvailable())
	assert.False(t, svc.Status().Running)
	assert.Empty(t, svc.Snapshot())

	_, err = svc.ReserveIDs(context.Background(), 1000168, "10", 1)
	assert.ErrorIs(t, err, identifier.ErrUnavailable)

	_, err = svc.ReserveIDs(context.Background(), 1000168, "", 1)
	assert.ErrorIs(t, err, identifier.ErrUnavailable, "unavailable wins over validation")
	_, err = svc.ReserveIDs(context.Background(), 1000168, "10", -1)
	assert.ErrorIs(t, err, identifier.ErrUnavailable)
}

func cisTestConfig(url string) cis.Config {
	return cis.Config{
		URL:          url,
		Username:     cistest.DefaultUsername,
		Password:     cistest.DefaultPassword,
		SoftwareName: "idcache-test",
		Timeout:      time.Second,
		PollInterval: 5 * time.Millisecond,
	}
}

func TestRejectedStreamDoesNotStarveOthers(t *testing.T) {
	fake := cistest.NewServer(cistest.Behavior{RejectPartitions: []string{"99"}})
	srv := cistest.Start(t, fake)

	cfg := DefaultConfig()
	cfg.CacheSize = 5
	cfg.CIS = cisTestConfig(srv.URL)
	svc, err := New(context.Background(), cfg, WithLogger(observability.Discard()))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	_, err = svc.ReserveIDs(context.Background(), 1000168, "99", 1)
	require.Error(t, err)
	assert.Equal(t, identifier.KindProtocol, identifier.KindOf(err))

	ids, err := svc.ReserveIDs(context.Background(), 1000168, "10", 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.True(t, svc.IsReservationAvailable())

	_, err = svc.ReserveIDs(context.Background(), 1000168, "99", 1)
	assert.ErrorIs(t, err, identifier.ErrBackoff)
}

func TestTopUpAllSkipsStreamsInBackoff(t *testing.T) {
	fake := cistest.NewServer(cistest.Behavior{RejectPartitions: []string{"99"}})
	srv := cistest.Start(t, fake)

	cfg := DefaultConfig()
	cfg.CacheSize = 5
	cfg.RefillThreshold = 0.5
	cfg.Precreate = []identifier.Key{{Namespace: 1000168, PartitionID: "10"}, {Namespace: 1000168, PartitionID: "99"}}
	cfg.CIS = cisTestConfig(srv.URL)
	svc, err := New(context.Background(), cfg, WithLogger(observability.Discard()))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	sizes := map[string]int{}
	for _, stat := range svc.Snapshot() {
		sizes[stat.PartitionID] = stat.Size
	}
	assert.Equal(t, map[string]int{"10": 5, "99": 0}, sizes)

	_, err = svc.ReserveIDs(context.Background(), 1000168, "10", 4)
	require.NoError(t, err)

	require.NoError(t, svc.TopUpAll(context.Background()), "the stream in backoff is skipped, not failed")
	assert.Equal(t, 5, svc.Snapshot()[0].Size)
	assert.Equal(t, []int{5, 4}, fake.Submissions())
}

func TestCanceledReservationKeepsServiceAvailable(t *testing.T) {
	fake := cistest.NewServer(cistest.Behavior{})
	srv := cistest.Start(t, fake)

	cfg := DefaultConfig()
	cfg.CacheSize = 5
	cfg.CIS = cisTestConfig(srv.URL)
	svc, err := New(context.Background(), cfg, WithLogger(observability.Discard()))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.ReserveIDs(ctx, 1000168, "10", 2)
	assert.ErrorIs(t, err, identifier.ErrCanceled)
	assert.True(t, svc.IsReservationAvailable())

	ids, err := svc.ReserveIDs(context.Background(), 1000168, "10", 2)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestCloseRacesStartSafely(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopUpInterval = time.Millisecond
	source := &stubSource{}
	svc, err := New(context.Background(), cfg, WithSource(source), WithLogger(observability.Discard()))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Start(context.Background())
	}()
	svc.Close()
	<-done
	svc.Close()
	assert.Empty(t, source.Requests(), "no top-up runs once closed")
}

func TestReserveIDsCreatesStreamsLazily(t *testing.T) {
	source := &stubSource{}
	cfg := DefaultConfig()
	cfg.CacheSize = 10
	svc := newTestService(t, cfg, source)

	ids, err := svc.ReserveIDs(context.Background(), 1000168, "10", 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	stats := svc.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, 7, stats[0].Size)
	assert.Equal(t, 10, stats[0].Capacity)
}

func TestReserveIDsSpansMultipleRefills(t *testing.T) {
	source := &stubSource{}
	cfg := DefaultConfig()
	cfg.CacheSize = 4
	svc := newTestService(t, cfg, source)

	ids, err := svc.ReserveIDs(context.Background(), 1000168, "10", 10)
	require.NoError(t, err)
	assert.Len(t, ids, 10)
	assert.Equal(t, []int{4, 4, 4}, source.Requests())
}

func TestReserveIDsRestoresOnFailure(t *testing.T) {
	source := &stubSource{failAfter: 1}
	cfg := DefaultConfig()
	cfg.CacheSize = 3
	svc := newTestService(t, cfg, source)

	_, err := svc.ReserveIDs(context.Background(), 1000168, "10", 5)
	require.Error(t, err)
	assert.Equal(t, identifier.KindRemoteJobFailure, identifier.KindOf(err))

	stats := svc.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Size, "popped identifiers return to the cache")

	source.failAfter = 0
	ids, err := svc.ReserveIDs(context.Background(), 1000168, "10", 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestReserveIDsValidatesRequest(t *testing.T) {
	svc := newTestService(t, DefaultConfig(), &stubSource{})

	_, err := svc.ReserveIDs(context.Background(), 1000168, "10", -2)
	assert.ErrorIs(t, err, identifier.ErrInvalidRequest)

	_, err = svc.ReserveIDs(context.Background(), 1000168, "", 2)
	assert.ErrorIs(t, err, identifier.ErrInvalidRequest)

	ids, err := svc.ReserveIDs(context.Background(), 1000168, "10", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, svc.Snapshot())
}

func TestTopUpAllIsolatesStreamFailures(t *testing.T) {
	boom := &identifier.Error{Kind: identifier.KindTimeout, Op: "poll", Detail: "stuck"}
	source := &stubSource{failFor: map[string]error{"bad": boom}}
	cfg := DefaultConfig()
	cfg.CacheSize = 5
	cfg.Precreate = []identifier.Key{{Namespace: 1, PartitionID: "bad"}, {Namespace: 1, PartitionID: "good"}}
	svc := newTestService(t, cfg, source)

	sizes := map[string]int{}
	for _, stat := range svc.Snapshot() {
		sizes[stat.PartitionID] = stat.Size
	}
	assert.Equal(t, 0, sizes["bad"])
	assert.Equal(t, 5, sizes["good"])

	err := svc.TopUpAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, identifier.ErrTimeout))
}

func TestScheduledTopUpRefillsDrainedStreams(t *testing.T) {
	source := &stubSource{}
	cfg := DefaultConfig()
	cfg.CacheSize = 10
	cfg.TopUpInterval = 10 * time.Millisecond
	cfg.Precreate = []identifier.Key{testStream}
	svc := newTestService(t, cfg, source)

	_, err := svc.ReserveIDs(context.Background(), testStream.Namespace, testStream.PartitionID, 9)
	require.NoError(t, err)

	svc.Start(context.Background())
	require.Eventually(t, func() bool {
		return svc.Snapshot()[0].Size == 10
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{10, 9}, source.Requests())
}

func TestScheduledTopUpSkipsWhileUnavailable(t *testing.T) {
	source := &stubSource{unavailable: true}
	cfg := DefaultConfig()
	cfg.TopUpInterval = 5 * time.Millisecond
	cfg.Precreate = []identifier.Key{testStream}
	svc := newTestService(t, cfg, source)

	svc.Start(context.Background())
	time.Sleep(40 * time.Millisecond)
	svc.Close()

	assert.Empty(t, source.Requests())
	require.Len(t, svc.Snapshot(), 1)
	assert.Equal(t, 0, svc.Snapshot()[0].Size)
}

type fixedIDs string

func (f fixedIDs) RequestID() string { return string(f) }

func TestReserveIDsAttachesRequestID(t *testing.T) {
	source := &requestCapturingSource{}
	svc, err := New(context.Background(), DefaultConfig(), WithSource(source),
		WithLogger(observability.Discard()), WithIDGenerator(fixedIDs("req-42")))
	require.NoError(t, err)

	_, err = svc.ReserveIDs(context.Background(), 1, "00", 1)
	require.NoError(t, err)
	assert.Equal(t, "req-42", source.requestID)

	ctx := identifier.WithRequestID(context.Background(), "caller-supplied")
	svc2, err := New(context.Background(), DefaultConfig(), WithSource(&requestCapturingSource{}),
		WithLogger(observability.Discard()))
	require.NoError(t, err)
	_, err = svc2.ReserveIDs(ctx, 1, "00", 1)
	require.NoError(t, err)
	assert.Equal(t, "caller-supplied", svc2.source.(*requestCapturingSource).requestID)
}

type requestCapturingSource struct {
	stubSource
	requestID string
}

func (s *requestCapturingSource) ReserveIDs(ctx context.Context, namespace int, partitionID string, quantity int) ([]int64, error) {
	s.requestID = identifier.RequestID(ctx)
	return s.stubSource.ReserveIDs(ctx, namespace, partitionID, quantity)
}

func TestUUIDGeneratorProducesDistinctIDs(t *testing.T) {
	gen := UUIDGenerator{}
	a, b := gen.RequestID(), gen.RequestID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
