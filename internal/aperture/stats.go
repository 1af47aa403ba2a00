package aperture

import (
	"math"
	"sync/atomic"

	"github.com/samber/lo"
)

type statsCollector struct {
	hits   map[source]*atomic.Uint64
	misses atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{
		hits: lo.SliceToMap(allSources, func(src source) (source, *atomic.Uint64) {
			return src, new(atomic.Uint64)
		}),
	}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Hit records an asset served from src.
func (s *statsCollector) Hit(src source) {
	if c, ok := s.hits[src]; ok {
		c.Add(1)
	}
}

// Miss records a request no source could satisfy.
func (s *statsCollector) Miss() { s.misses.Add(1) }

// Observe records the body size of a delivered response.
func (s *statsCollector) Observe(respBytes int) {
	n := uint64(max(respBytes, 0))

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits           map[string]uint64 `json:"hits"`
	Misses         uint64            `json:"misses"`
	TotalResponses uint64            `json:"responses"`
	TotalRespBytes uint64            `json:"responseBytes"`
	MinRespBytes   uint64            `json:"minResponseBytes"`
	MaxRespBytes   uint64            `json:"maxResponseBytes"`
	AvgRespBytes   uint64            `json:"avgResponseBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits: lo.MapEntries(s.hits, func(src source, c *atomic.Uint64) (string, uint64) {
			return string(src), c.Load()
		}),
		Misses: s.misses.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = total
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = total / count
	return out
}
