// Package backoff computes capped exponential delays with random jitter.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy describes one backoff schedule. Attempt 0 waits Base.
type Policy struct {
	Base      time.Duration `yaml:"base" env:"BASE"`
	Max       time.Duration `yaml:"max" env:"MAX"`
	MaxJitter time.Duration `yaml:"max_jitter" env:"MAX_JITTER"`
}

// Delay returns the wait before retry number attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := p.Base << attempt
	if p.Max > 0 && (delay > p.Max || delay < 0) {
		delay = p.Max
	}
	if p.MaxJitter > 0 {
		delay += rand.N(p.MaxJitter)
	}
	return delay
}
