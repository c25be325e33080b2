package pending

import (
	"sync/atomic"
	"time"
)

// Stats holds store statistics.
type Stats struct {
	Hits        uint64    `json:"hits"`
	Misses      uint64    `json:"misses"`
	Evictions   uint64    `json:"evictions"`
	Expirations uint64    `json:"expirations"`
	Size        int64     `json:"size"`
	LastUpdated time.Time `json:"last_updated"`
}

// statsCollector counts lookups and evictions.
type statsCollector struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
	size        atomic.Int64
	lastUpdated atomic.Int64
}

func newStatsCollector() *statsCollector {
	c := &statsCollector{}
	c.touch()
	return c
}

func (c *statsCollector) touch() {
	c.lastUpdated.Store(time.Now().UnixNano())
}

func (c *statsCollector) recordHit() {
	c.hits.Add(1)
	c.touch()
}

func (c *statsCollector) recordMiss() {
	c.misses.Add(1)
	c.touch()
}

func (c *statsCollector) recordEviction() {
	c.evictions.Add(1)
	c.touch()
}

func (c *statsCollector) recordExpiration() {
	c.expirations.Add(1)
	c.touch()
}

func (c *statsCollector) updateSize(size int) {
	c.size.Store(int64(size))
	c.touch()
}

func (c *statsCollector) snapshot() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Size:        c.size.Load(),
		LastUpdated: time.Unix(0, c.lastUpdated.Load()),
	}
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
