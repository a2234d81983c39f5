package alerting

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type cooldownKey struct {
	asset   common.Address
	outcome string
}

// Cooldown suppresses repeated alerts of the same asset and outcome.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   map[cooldownKey]time.Time
}

// NewCooldown returns a Cooldown. A non-positive window never suppresses.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window, last: make(map[cooldownKey]time.Time)}
}

// Allow reports whether an alert may fire at now and records it when it may.
func (c *Cooldown) Allow(asset common.Address, outcome string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cooldownKey{asset: asset, outcome: outcome}
	if last, ok := c.last[key]; ok && c.window > 0 && now.Sub(last) < c.window {
		return false
	}
	c.last[key] = now
	return true
}

// Reset forgets the history of asset so that its next degradation alerts at once.
func (c *Cooldown) Reset(asset common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.last {
		if k.asset == asset {
			delete(c.last, k)
		}
	}
}
