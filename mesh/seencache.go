package mesh

import (
	"container/list"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// seenCache remembers recently processed message ids so duplicate deliveries
// are absorbed exactly once. Capacity eviction removes the oldest insertion
// first; a janitor goroutine expires entries past their TTL.
type seenCache struct {
	ttl        time.Duration
	mu         sync.Mutex
	entries    map[MessageID]*list.Element
	order      *list.List
	maxEntries int
	now        func() time.Time

	janitorStop chan struct{}
	stopOnce    sync.Once
	janitorWG   sync.WaitGroup

	metrics *seenCacheMetrics
}

type seenRecord struct {
	id     MessageID
	seen   time.Time
	expiry time.Time
}

const (
	defaultSeenCacheEntries  = 10_000
	defaultSeenCacheTTL      = 10 * time.Minute
	seenCacheJanitorInterval = time.Minute
)

func newSeenCache(maxEntries int, ttl time.Duration) *seenCache {
	if maxEntries <= 0 {
		maxEntries = defaultSeenCacheEntries
	}
	if ttl <= 0 {
		ttl = defaultSeenCacheTTL
	}
	cache := &seenCache{
		ttl:         ttl,
		entries:     make(map[MessageID]*list.Element),
		order:       list.New(),
		maxEntries:  maxEntries,
		now:         time.Now,
		janitorStop: make(chan struct{}),
		metrics:     getSeenCacheMetrics(),
	}
	cache.metrics.observeSize(0)
	cache.janitorWG.Add(1)
	go cache.runJanitor()
	runtime.SetFinalizer(cache, func(c *seenCache) {
		c.stopJanitor()
	})
	return cache
}

// Remember records the id and reports whether it was seen for the first time.
// Duplicate hits refresh the observation timestamp but keep the original
// insertion position, so capacity eviction stays strictly oldest-first.
func (c *seenCache) Remember(id MessageID, observedAt time.Time) bool {
	if observedAt.IsZero() {
		observedAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem := c.entries[id]; elem != nil {
		if record, _ := elem.Value.(*seenRecord); record != nil {
			record.seen = observedAt
		}
		c.metrics.observeDuplicate()
		return false
	}

	record := &seenRecord{
		id:     id,
		seen:   observedAt,
		expiry: observedAt.Add(c.ttl),
	}
	elem := c.order.PushFront(record)
	c.entries[id] = elem
	c.metrics.observeSize(len(c.entries))
	c.evictOverflowLocked()
	return true
}

// Contains reports whether the id is currently tracked without mutating it.
func (c *seenCache) Contains(id MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

func (c *seenCache) evictOverflowLocked() {
	if c.maxEntries <= 0 {
		return
	}
	for len(c.entries) > c.maxEntries {
		elem := c.order.Back()
		if elem == nil {
			break
		}
		c.removeElementLocked(elem, true)
	}
}

func (c *seenCache) removeExpiredLocked(now time.Time) {
	for {
		elem := c.order.Back()
		if elem == nil {
			break
		}
		record, _ := elem.Value.(*seenRecord)
		if record == nil {
			c.removeElementLocked(elem, false)
			continue
		}
		if now.Before(record.expiry) {
			break
		}
		c.removeElementLocked(elem, true)
	}
}

func (c *seenCache) removeElementLocked(elem *list.Element, count bool) {
	if elem == nil {
		return
	}
	record, _ := elem.Value.(*seenRecord)
	c.order.Remove(elem)
	if record != nil {
		delete(c.entries, record.id)
		if count {
			c.metrics.observeEvicted(1)
		}
	}
	c.metrics.observeSize(len(c.entries))
}

func (c *seenCache) runJanitor() {
	defer c.janitorWG.Done()
	ticker := time.NewTicker(seenCacheJanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.janitorStop:
			return
		}
	}
}

func (c *seenCache) sweep() {
	now := c.now()
	c.mu.Lock()
	c.removeExpiredLocked(now)
	c.evictOverflowLocked()
	c.mu.Unlock()
}

func (c *seenCache) stopJanitor() {
	c.stopOnce.Do(func() {
		close(c.janitorStop)
		c.janitorWG.Wait()
	})
}

func (c *seenCache) Close() {
	if c == nil {
		return
	}
	c.stopJanitor()
}

func (c *seenCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RunJanitorSweep expires entries against the supplied clock. Tests drive it
// directly instead of waiting on the janitor ticker.
func (c *seenCache) RunJanitorSweep(now time.Time) {
	c.mu.Lock()
	c.removeExpiredLocked(now)
	c.evictOverflowLocked()
	c.mu.Unlock()
}

type seenCacheMetrics struct {
	size       prometheus.Gauge
	evicted    prometheus.Counter
	duplicates prometheus.Counter
}

var (
	seenCacheMetricsOnce sync.Once
	seenCacheMetricsInst *seenCacheMetrics
)

func getSeenCacheMetrics() *seenCacheMetrics {
	seenCacheMetricsOnce.Do(func() {
		seenCacheMetricsInst = &seenCacheMetrics{
			size: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "walletmesh_mesh_seen_cache_size",
				Help: "Number of message ids tracked by the dedup cache.",
			}),
			evicted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "walletmesh_mesh_seen_cache_evicted_total",
				Help: "Number of dedup cache entries evicted due to TTL or capacity.",
			}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "walletmesh_mesh_duplicate_messages_total",
				Help: "Number of envelopes absorbed as duplicates.",
			}),
		}
		prometheus.MustRegister(seenCacheMetricsInst.size, seenCacheMetricsInst.evicted, seenCacheMetricsInst.duplicates)
	})
	return seenCacheMetricsInst
}

func (m *seenCacheMetrics) observeSize(size int) {
	if m == nil {
		return
	}
	m.size.Set(float64(size))
}

func (m *seenCacheMetrics) observeEvicted(delta int) {
	if m == nil || delta <= 0 {
		return
	}
	m.evicted.Add(float64(delta))
}

func (m *seenCacheMetrics) observeDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}
