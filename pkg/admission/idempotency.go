package admission

import (
	"sync"
	"time"
)

// cachedDecision pins a decision to its arrival so expiry tracks the window.
type cachedDecision struct {
	decision *RoutingDecision
	cachedAt time.Time
}

// decisionCache replays RoutingDecisions for request ids seen inside the
// idempotency window. Entries expire after one window; a background sweeper
// reclaims them.
type decisionCache struct {
	mu      sync.RWMutex
	entries map[string]cachedDecision
	ttl     time.Duration
	clock   func() time.Time
	stop    chan struct{}
	once    sync.Once
}

func newDecisionCache(ttl time.Duration, clock func() time.Time) *decisionCache {
	c := &decisionCache{
		entries: make(map[string]cachedDecision),
		ttl:     ttl,
		clock:   clock,
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *decisionCache) sweep() {
	interval := c.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := c.clock()
			c.mu.Lock()
			for k, v := range c.entries {
				if now.Sub(v.cachedAt) > c.ttl {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *decisionCache) Get(requestID string) (*RoutingDecision, bool) {
	c.mu.RLock()
	cached, exists := c.entries[requestID]
	c.mu.RUnlock()

	if exists && c.clock().Sub(cached.cachedAt) < c.ttl {
		return cached.decision, true
	}
	return nil, false
}

func (c *decisionCache) Put(requestID string, d *RoutingDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[requestID] = cachedDecision{decision: d, cachedAt: c.clock()}
}

func (c *decisionCache) Stop() {
	c.once.Do(func() { close(c.stop) })
}
