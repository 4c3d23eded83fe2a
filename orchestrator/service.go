package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/idcache/cis"
	"github.com/izavyalov-dev/idcache/identifier"
	"github.com/izavyalov-dev/idcache/internal/observability"
)

const (
	DefaultCacheSize        = 50
	DefaultRefillThreshold  = 0.2
	DefaultTopUpInterval    = 10 * time.Second
	DefaultTopUpConcurrency = 4
)

// Config configures the cache layer. CacheSize and RefillThreshold apply to
// every stream, precreated or lazily created.
type Config struct {
	CIS              cis.Config
	CacheSize        int
	RefillThreshold  float64
	TopUpInterval    time.Duration
	TopUpConcurrency int
	Precreate        []identifier.Key
}

// DefaultConfig returns the stock cache settings with no remote allocator.
func DefaultConfig() Config {
	return Config{
		CacheSize:        DefaultCacheSize,
		RefillThreshold:  DefaultRefillThreshold,
		TopUpInterval:    DefaultTopUpInterval,
		TopUpConcurrency: DefaultTopUpConcurrency,
	}
}

func (c Config) validate() error {
	var problem string
	switch {
	case c.CacheSize < 0:
		problem = "cache size must not be negative"
	case c.RefillThreshold < 0 || c.RefillThreshold > 1:
		problem = "refill threshold must be within [0, 1]"
	case c.TopUpInterval < 0:
		problem = "top-up interval must not be negative"
	}
	for _, key := range c.Precreate {
		if problem == "" && (key.Namespace < 0 || strings.TrimSpace(key.PartitionID) == "") {
			problem = fmt.Sprintf("invalid precreate stream %q", key.String())
		}
	}
	if problem == "" {
		return nil
	}
	return &identifier.Error{Kind: identifier.KindConfiguration, Op: "configure", Detail: problem}
}

// Service routes reservations to per-stream caches and keeps them warm.
// It implements identifier.Source.
type Service struct {
	cfg      Config
	source   identifier.Source
	logger   *slog.Logger
	metrics  *observability.Metrics
	ids      IDGenerator
	recorder cis.JobRecorder
	http     *http.Client

	// mu guards caches, cancel and closed.
	mu     sync.Mutex
	caches map[identifier.Key]*StreamCache
	cancel context.CancelFunc
	closed bool

	startOnce sync.Once
	wg        sync.WaitGroup
}

// Option customises a Service.
type Option func(*Service)

// WithSource replaces the remote allocator, bypassing cfg.CIS.
func WithSource(source identifier.Source) Option {
	return func(s *Service) { s.source = source }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

func WithIDGenerator(ids IDGenerator) Option {
	return func(s *Service) {
		if ids != nil {
			s.ids = ids
		}
	}
}

// WithRecorder passes a bulk job ledger to the CIS client.
func WithRecorder(recorder cis.JobRecorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

// WithHTTPClient sets the HTTP client used to reach CIS.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Service) { s.http = hc }
}

// New builds the service. With no remote allocator configured it is inert:
// reservations fail as unavailable and no background work runs. Otherwise it
// connects to CIS, precreates the configured streams and fills them once
// before returning.
func New(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	if cfg.TopUpInterval == 0 {
		cfg.TopUpInterval = DefaultTopUpInterval
	}
	if cfg.TopUpConcurrency <= 0 {
		cfg.TopUpConcurrency = DefaultTopUpConcurrency
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		logger: observability.NewLogger("orchestrator"),
		ids:    UUIDGenerator{},
		caches: map[identifier.Key]*StreamCache{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.source == nil {
		source, err := s.newSource(ctx)
		if err != nil {
			return nil, err
		}
		s.source = source
	}

	if _, disabled := s.source.(identifier.Disabled); disabled {
		return s, nil
	}

	for _, key := range cfg.Precreate {
		s.stream(key)
	}
	if !s.source.IsReservationAvailable() {
		s.logger.Warn("identifier reservation unavailable, skipping initial fill", "event", "initial_fill_skipped",
			"streams", len(cfg.Precreate))
		return s, nil
	}

	start := time.Now()
	if err := s.TopUpAll(ctx); err != nil {
		s.logger.Warn("initial fill incomplete", "event", "initial_fill_failed", "error", err)
	}
	s.logger.Info("precreated stream caches", "event", "caches_precreated",
		"streams", len(cfg.Precreate), "cache_size", cfg.CacheSize, "duration_ms", time.Since(start).Milliseconds())
	return s, nil
}

func (s *Service) newSource(ctx context.Context) (identifier.Source, error) {
	if s.cfg.CIS.Disabled() {
		s.logger.Info("no CIS endpoint configured", "event", "cis_disabled")
		return identifier.Disabled{}, nil
	}
	opts := []cis.Option{
		cis.WithLogger(s.logger),
		cis.WithMetrics(s.metrics),
	}
	if s.recorder != nil {
		opts = append(opts, cis.WithRecorder(s.recorder))
	}
	if s.http != nil {
		opts = append(opts, cis.WithHTTPClient(s.http))
	}
	client, err := cis.New(ctx, s.cfg.CIS, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to cis: %w", err)
	}
	return client, nil
}

// Start runs the scheduled top-up until ctx ends or Close is called. It does
// nothing when no remote allocator is configured or after Close.
func (s *Service) Start(ctx context.Context) {
	if _, disabled := s.source.(identifier.Disabled); disabled {
		return
	}
	s.startOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runTopUps(ctx)
		}()
	})
}

// Close stops the scheduled top-up and waits for an in-flight cycle.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Service) runTopUps(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TopUpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !s.source.IsReservationAvailable() {
				s.logger.Debug("skipping top-up, reservation unavailable", "event", "topup_skipped")
				continue
			}
			_ = s.TopUpAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// TopUpAll tops up every known stream concurrently. A failing stream is
// logged and does not stop the others; the joined failures are returned.
// Streams the source holds back are skipped until their backoff lapses.
func (s *Service) TopUpAll(ctx context.Context) error {
	caches := s.streams()
	if gate, ok := s.source.(identifier.StreamGate); ok {
		caches = slices.DeleteFunc(caches, func(cache *StreamCache) bool {
			key := cache.Key()
			if gate.IsStreamAvailable(key.Namespace, key.PartitionID) {
				return false
			}
			observability.WithStream(s.logger, key.String()).Debug("skipping top-up, stream in backoff", "event", "topup_skipped")
			return true
		})
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(s.cfg.TopUpConcurrency)
	for _, cache := range caches {
		cache := cache
		g.Go(func() error {
			if err := cache.TopUp(ctx); err != nil {
				observability.WithStream(s.logger, cache.Key().String()).Error("stream top-up failed",
					"event", "topup_failed", "kind", identifier.KindOf(err).String(), "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ReserveIDs dispenses quantity identifiers for the stream, creating its
// cache on first use. With no remote allocator configured every request
// fails as unavailable, before any validation. Either every identifier is returned or none are; ones
// already popped for a failed request go back to the cache.
func (s *Service) ReserveIDs(ctx context.Context, namespace int, partitionID string, quantity int) ([]int64, error) {
	if _, disabled := s.source.(identifier.Disabled); disabled {
		return s.source.ReserveIDs(ctx, namespace, partitionID, quantity)
	}
	key := identifier.Key{Namespace: namespace, PartitionID: partitionID}
	if quantity < 0 || namespace < 0 || strings.TrimSpace(partitionID) == "" {
		return nil, &identifier.Error{Kind: identifier.KindInvalidRequest, Op: "reserve", Stream: key.String(),
			Detail: fmt.Sprintf("invalid request quantity=%d", quantity)}
	}
	if quantity == 0 {
		return []int64{}, nil
	}

	if identifier.RequestID(ctx) == "" {
		ctx = identifier.WithRequestID(ctx, s.ids.RequestID())
	}

	cache := s.stream(key)
	out := make([]int64, 0, quantity)
	for len(out) < quantity {
		id, err := cache.GetIdentifier(ctx)
		if err != nil {
			cache.Restore(out)
			s.metrics.IncFailure(identifier.KindOf(err).String())
			observability.WithRequest(observability.WithStream(s.logger, key.String()), identifier.RequestID(ctx)).
				Warn("reservation failed", "event", "reserve_failed", "quantity", quantity, "restored", len(out), "error", err)
			return nil, err
		}
		out = append(out, id)
	}
	s.metrics.AddDispensed(key.String(), len(out))
	return out, nil
}

func (s *Service) Status() identifier.Status {
	return s.source.Status()
}

func (s *Service) IsReservationAvailable() bool {
	return s.source.IsReservationAvailable()
}

// Snapshot reports every stream cache, ordered by stream key.
func (s *Service) Snapshot() []CacheStats {
	caches := s.streams()
	stats := make([]CacheStats, 0, len(caches))
	for _, cache := range caches {
		key := cache.Key()
		stats = append(stats, CacheStats{
			Stream:      key.String(),
			Namespace:   key.Namespace,
			PartitionID: key.PartitionID,
			Size:        cache.Len(),
			Capacity:    cache.Capacity(),
			Threshold:   s.cfg.RefillThreshold,
		})
	}
	return stats
}

// stream returns the cache for key, creating it with the default sizing.
func (s *Service) stream(key identifier.Key) *StreamCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cache, ok := s.caches[key]; ok {
		return cache
	}
	cache := NewStreamCache(key, s.cfg.CacheSize, s.cfg.RefillThreshold, s.source,
		WithCacheLogger(s.logger), WithCacheMetrics(s.metrics))
	s.caches[key] = cache
	return cache
}

func (s *Service) streams() []*StreamCache {
	s.mu.Lock()
	caches := make([]*StreamCache, 0, len(s.caches))
	for _, cache := range s.caches {
		caches = append(caches, cache)
	}
	s.mu.Unlock()

	slices.SortFunc(caches, func(a, b *StreamCache) int {
		return strings.Compare(a.Key().String(), b.Key().String())
	})
	return caches
}
