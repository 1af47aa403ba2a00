package aperture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aperture/internal/admission"
	"aperture/internal/asset"
	"aperture/internal/bucket"
	"aperture/internal/cloudfiles"
	"aperture/internal/whip"
)

// primarySource is the WHIP backend as the gateway uses it. Fetch queues
// the request before it returns and calls cb exactly once.
type primarySource interface {
	IsConnected() bool
	Fetch(id string, cb whip.Callback)
}

// fallbackSource is the object storage backend as the gateway uses it.
type fallbackSource interface {
	Get(ctx context.Context, id string) (*asset.Stratus, error)
}

var (
	_ primarySource  = (*whip.Client)(nil)
	_ fallbackSource = (*cloudfiles.Connector)(nil)
)

type options struct {
	logger   *slog.Logger
	primary  primarySource
	fallback fallbackSource
	retry    time.Duration
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPrimary replaces the WHIP client built from the configuration.
func WithPrimary(p primarySource) Option {
	return func(o *options) { o.primary = p }
}

// WithFallback replaces the object storage connector built from the
// configuration.
func WithFallback(f fallbackSource) Option {
	return func(o *options) { o.fallback = f }
}

// WithThrottleRetry sets the wait after a bandwidth-limited chunk is
// refused. The default is the bucket drip period.
func WithThrottleRetry(d time.Duration) Option {
	return func(o *options) { o.retry = d }
}

type Service struct {
	cfg Config
	log *slog.Logger

	caps  *admission.Controller
	cache *assetCache
	disk  *diskTier

	primary  primarySource
	fallback fallbackSource

	// Set only when the service built the backend and owns its lifecycle.
	whip *whip.Client
	cf   *cloudfiles.Connector

	retry time.Duration
	stats *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	o := options{logger: slog.Default(), retry: bucket.DripPeriod}
	for _, fn := range opts {
		fn(&o)
	}

	s := &Service{
		cfg:      cfg,
		log:      o.logger.With(slog.String("component", "http")),
		caps:     admission.New(cfg.CapsToken, admission.WithLogger(o.logger)),
		primary:  o.primary,
		fallback: o.fallback,
		retry:    o.retry,
		stats:    newStatsCollector(),
		stopCh:   make(chan struct{}),
	}

	if cfg.Cache.diskMax > 0 {
		disk, err := openDiskTier(cfg.Cache.Disk.Path, cfg.Cache.diskMax, cfg.Cache.codec, o.logger.With(slog.String("component", "cache")))
		if err != nil {
			return nil, err
		}
		s.disk = disk
	}
	s.cache = newAssetCache(cfg.Cache.ramMax, s.disk)

	if s.primary == nil && cfg.WHIPEnabled() {
		s.whip = whip.New(cfg.WHIP.uri,
			whip.WithLogger(o.logger),
			whip.WithReconnectDelay(cfg.WHIP.reconnectDelay),
		)
		s.primary = s.whip
	}
	if s.fallback == nil && cfg.CloudFiles.Enabled {
		s.cf = cloudfiles.New(cfg.cloudFilesConfig(), cloudfiles.WithLogger(o.logger))
		s.fallback = s.cf
	}
	return s, nil
}

// Start connects the backends the service owns and starts the periodic
// stats line.
func (s *Service) Start(ctx context.Context) error {
	if s.cf != nil {
		if err := s.cf.Start(ctx); err != nil {
			return fmt.Errorf("cloudfiles: %w", err)
		}
	}
	if s.whip != nil {
		s.whip.Connect()
	}
	if every := s.cfg.Logging.statsEvery; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	s.log.Info("asset service started",
		slog.Bool("whip", s.primary != nil),
		slog.Bool("cloudfiles", s.fallback != nil),
		slog.Bool("cache", s.cache.Enabled()),
	)
	return nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	if s.whip != nil {
		s.whip.Shutdown()
	}
	if s.cf != nil {
		s.cf.Stop()
	}
	if s.disk != nil {
		s.disk.close()
	}
}

// Drain turns away every request parked on a paused capability, and any
// that arrive later, so an HTTP server shutdown does not wait on them.
func (s *Service) Drain() { s.caps.Drain() }

// Caps exposes the capability registry.
func (s *Service) Caps() *admission.Controller { return s.caps }

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			attrs := []any{
				slog.Int("cached", s.cache.Count()),
				slog.String("ram", formatBytes(uint64(s.cache.RAMSize()))),
				slog.String("disk", formatBytes(uint64(s.cache.DiskSize()))),
				slog.Any("hits", ss.Hits),
				slog.Uint64("misses", ss.Misses),
				slog.String("resp_min", formatBytes(ss.MinRespBytes)),
				slog.String("resp_avg", formatBytes(ss.AvgRespBytes)),
				slog.String("resp_max", formatBytes(ss.MaxRespBytes)),
				slog.Int("caps", s.caps.Count()),
			}
			if rss, ok := processRSSBytes(); ok {
				attrs = append(attrs, slog.String("rss", formatBytes(rss)))
			}
			s.log.Info("stats", attrs...)
		}
	}
}
