package providers

import (
	"errors"
	"sync"
	"time"
)

// ErrNoKeys is returned when the pool is empty.
var ErrNoKeys = errors.New("providers: no API keys configured")

// KeyPool rotates API keys round-robin and tracks per-key cooldowns set on
// rate-limit responses. Selection skips cooled keys; when every key is
// cooled, the one with the shortest remaining cooldown is returned so the
// caller still makes progress.
type KeyPool struct {
	mu       sync.Mutex
	keys     []string
	next     int
	cooldown map[string]time.Time // key → cooled until (monotonic clock via time.Now)
	now      func() time.Time
}

func NewKeyPool(keys []string) *KeyPool {
	return &KeyPool{
		keys:     append([]string(nil), keys...),
		cooldown: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Pick returns the next usable key.
func (p *KeyPool) Pick() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return "", ErrNoKeys
	}

	now := p.now()
	n := len(p.keys)

	for i := 0; i < n; i++ {
		key := p.keys[(p.next+i)%n]
		if until, cooled := p.cooldown[key]; cooled && now.Before(until) {
			continue
		}
		p.next = (p.next + i + 1) % n
		return key, nil
	}

	// All cooled: pick the soonest-available key.
	best := p.keys[0]
	bestUntil := p.cooldown[best]
	for _, key := range p.keys[1:] {
		if until := p.cooldown[key]; until.Before(bestUntil) {
			best, bestUntil = key, until
		}
	}
	return best, nil
}

// MarkCooldown marks a key unusable for d.
func (p *KeyPool) MarkCooldown(key string, d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldown[key] = p.now().Add(d)
}

// Size returns the number of configured keys.
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
