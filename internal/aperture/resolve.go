package aperture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"aperture/internal/asset"
	"aperture/internal/cloudfiles"
	"aperture/internal/whip"
)

var (
	errNotFound = errors.New("asset not found")
	// errUnavailable means no backend could answer, as opposed to every
	// backend answering that the asset does not exist.
	errUnavailable = errors.New("no asset backend available")
)

// resolve finds id in the cache or a backend. Backend results are cached
// before they are returned. Assets of a type the gateway does not
// deliver are reported as errNotFound and never cached.
//
// forwarded is called once the request has been answered from the cache
// or queued on a backend; requests resumed together rely on it to reach
// the backends in order.
func (s *Service) resolve(ctx context.Context, id string, forwarded func()) (asset.Asset, source, error) {
	if a, src, ok := s.cache.Get(id); ok {
		forwarded()
		return a, src, nil
	}

	var primaryErr error
	if s.primary != nil && s.primary.IsConnected() {
		c, err := s.fetchPrimary(ctx, id, forwarded)
		if err == nil {
			return s.admit(c, sourceWHIP)
		}
		primaryErr = err
		s.log.Debug("whip fetch failed", slog.String("asset", id), slog.Any("err", err))
	} else {
		primaryErr = whip.ErrNotConnected
	}

	forwarded()
	if s.fallback != nil {
		st, err := s.fallback.Get(ctx, id)
		switch {
		case err == nil:
			return s.admit(st, sourceCloudFiles)
		case errors.Is(err, cloudfiles.ErrNotFound):
			return nil, "", errNotFound
		default:
			return nil, "", fmt.Errorf("%w: cloudfiles: %w", errUnavailable, err)
		}
	}

	switch {
	case s.primary == nil:
		return nil, "", errUnavailable
	case errors.Is(primaryErr, whip.ErrNotFound), errors.Is(primaryErr, asset.ErrTruncated):
		return nil, "", errNotFound
	default:
		return nil, "", fmt.Errorf("%w: whip: %w", errUnavailable, primaryErr)
	}
}

// fetchPrimary queues id on the WHIP backend, calls forwarded, then waits
// for the answer.
func (s *Service) fetchPrimary(ctx context.Context, id string, forwarded func()) (*asset.Container, error) {
	type result struct {
		c   *asset.Container
		err error
	}
	ch := make(chan result, 1)
	s.primary.Fetch(id, func(c *asset.Container, err error) {
		ch <- result{c, err}
	})
	forwarded()
	select {
	case r := <-ch:
		return r.c, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) admit(a asset.Asset, src source) (asset.Asset, source, error) {
	if _, ok := a.Type().ContentType(); !ok {
		s.log.Warn("refusing to deliver asset of unexpected type",
			slog.String("asset", a.ID()), slog.String("type", a.Type().String()), slog.String("source", string(src)))
		return nil, "", errNotFound
	}
	s.cache.Put(a)
	return a, src, nil
}
