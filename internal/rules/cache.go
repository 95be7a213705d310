package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/triflow/triflow/pkg/schema"
)

const (
	// DefaultCacheTTL bounds how long a judgment outcome may be reused.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultCacheSize caps the number of cached outcomes.
	DefaultCacheSize = 4096
)

// HashInputs produces the cache key for a judgment: SHA-256 over the
// ruleset identity, version, and the canonical JSON encoding of the
// input. encoding/json sorts map keys, so equal inputs hash equally
// regardless of insertion order.
func HashInputs(rulesetID string, version int, input map[string]any) (string, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal judgment input: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s:%d:", rulesetID, version)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

type cacheEntry struct {
	outcome  schema.JudgmentOutcome
	expires  time.Time
	lastUsed time.Time
}

// JudgmentCache is a TTL-bounded in-memory cache of judgment outcomes.
// When full, the stalest entry is evicted.
type JudgmentCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func NewJudgmentCache(ttl time.Duration, maxSize int) *JudgmentCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &JudgmentCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns a copy of the cached outcome for the key, or false when
// absent or expired.
func (c *JudgmentCache) Get(key string) (*schema.JudgmentOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	entry.lastUsed = c.now()
	outcome := entry.outcome
	return &outcome, true
}

// Put stores an outcome under the key, evicting the least recently used
// entry if the cache is full.
func (c *JudgmentCache) Put(key string, outcome *schema.JudgmentOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	now := c.now()
	c.entries[key] = &cacheEntry{
		outcome:  *outcome,
		expires:  now.Add(c.ttl),
		lastUsed: now,
	}
}

// InvalidateRuleset is unnecessary by construction: keys embed the
// version, so a deployment change routes to fresh keys. Purge exists
// for operators who want to flush everything.
func (c *JudgmentCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Len reports the live entry count, dropping expired entries on the way.
func (c *JudgmentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	return len(c.entries)
}

func (c *JudgmentCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey = k
			oldest = e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
