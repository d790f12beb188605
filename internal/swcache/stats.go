package swcache

import (
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

type statsCollector struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	network   atomic.Uint64
	fallbacks atomic.Uint64
	bypassed  atomic.Uint64
	offline   atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe counts one answered fetch. respBytes < 0 skips the size stats.
func (s *statsCollector) Observe(outcome Outcome, respBytes int) {
	switch outcome {
	case OutcomeHit:
		s.hits.Add(1)
	case OutcomeMiss:
		s.misses.Add(1)
	case OutcomeNetwork:
		s.network.Add(1)
	case OutcomeFallback:
		s.fallbacks.Add(1)
	case OutcomeBypass:
		s.bypassed.Add(1)
	case OutcomeOffline:
		s.offline.Add(1)
	}
	if respBytes < 0 {
		return
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Network   uint64 `json:"network"`
	Fallbacks uint64 `json:"fallbacks"`
	Bypassed  uint64 `json:"bypassed"`
	Offline   uint64 `json:"offline"`

	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Network:   s.network.Load(),
		Fallbacks: s.fallbacks.Load(),
		Bypassed:  s.bypassed.Load(),
		Offline:   s.offline.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = s.minRespBytes.Load()
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

func formatBytes(b uint64) string {
	return humanize.IBytes(b)
}

func formatSmapsRollup(vals map[string]uint64) string {
	if len(vals) == 0 {
		return ""
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(formatBytes(vals[k]))
	}
	return b.String()
}
