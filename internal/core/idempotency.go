package core

import (
	"container/list"
	"fmt"
	"time"

	"PerpVAMM/internal/observability"
)

// IdempotencyChecker implements two-tier deduplication of command ids
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	stats   *IdempotencyMetrics
	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		stats:     NewIdempotencyMetrics(),
		metrics:   metrics,
	}
}

func compositeKey(commandType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", commandType, idempotencyKey)
}

// IsDuplicate checks if command has been sequenced (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) bool {
	key := compositeKey(commandType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(commandType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		start := time.Now()
		isDup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
		if ic.metrics != nil {
			ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			// A DB outage must not block the core; assume not duplicate.
			ic.stats.RecordTier2Error()
			return false
		}
		if isDup {
			ic.recordDuplicate(commandType, "postgres")
			ic.lru.Add(key)
			return true
		}
	}

	return false
}

func (ic *IdempotencyChecker) recordDuplicate(commandType, tier string) {
	ic.stats.RecordDuplicate(commandType, tier)
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier).Inc()
	}
}

// MarkProcessed adds key to LRU once the command has a sequence
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string) {
	before := ic.lru.Evictions()
	ic.lru.Add(compositeKey(commandType, idempotencyKey))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		ic.metrics.DedupLRUEvictions.Add(float64(ic.lru.Evictions() - before))
	}
}

func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.stats
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; only the deterministic core touches it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads composite keys, oldest first, so the most recent key
// ends up at the front.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Keys returns the cached keys oldest first, the order WarmFromKeys expects.
func (lru *IdempotencyLRU) Keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats.
// Not thread-safe; only the deterministic core touches it.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64 // command_type -> count
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(commandType string, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[commandType]++
	} else {
		m.duplicatesPostgres[commandType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(commandType string) (lru int64, postgres int64) {
	return m.duplicatesLRU[commandType], m.duplicatesPostgres[commandType]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}
