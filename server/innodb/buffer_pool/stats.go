package buffer_pool

import "sync/atomic"

// BufferPoolStats 缓冲池统计信息
type BufferPoolStats struct {
	Hits      int64
	Misses    int64
	Reads     int64
	Writes    int64
	Evictions int64
	Flushes   int64
}

func (s *BufferPoolStats) recordRequest(hit bool) {
	if hit {
		atomic.AddInt64(&s.Hits, 1)
	} else {
		atomic.AddInt64(&s.Misses, 1)
	}
}

func (s *BufferPoolStats) snapshot() BufferPoolStats {
	return BufferPoolStats{
		Hits:      atomic.LoadInt64(&s.Hits),
		Misses:    atomic.LoadInt64(&s.Misses),
		Reads:     atomic.LoadInt64(&s.Reads),
		Writes:    atomic.LoadInt64(&s.Writes),
		Evictions: atomic.LoadInt64(&s.Evictions),
		Flushes:   atomic.LoadInt64(&s.Flushes),
	}
}

// HitRatio 命中率
func (s BufferPoolStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
