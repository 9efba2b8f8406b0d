// Package backoff computes exponential retry delays and performs cancellable sleeps.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the delay before the second attempt, in milliseconds.
	InitialMs float64 `yaml:"initial_ms" json:"initial_ms"`
	// MaxMs caps computed delays. Provider hints are bounded separately.
	MaxMs float64 `yaml:"max_ms" json:"max_ms"`
	// Factor is the exponential growth factor per attempt.
	Factor float64 `yaml:"factor" json:"factor"`
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// TurnPolicy is used between provider stream attempts: 2s, 4s, 8s ... capped at 30s.
func TurnPolicy() Policy {
	return Policy{
		InitialMs: 2000,
		MaxMs:     30000,
		Factor:    2,
		Jitter:    0,
	}
}

// StorePolicy is used when connecting to a database: 100ms growing to 5s, 10% jitter.
func StorePolicy() Policy {
	return Policy{
		InitialMs: 100,
		MaxMs:     5000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// Normalize fills zero or invalid fields from TurnPolicy.
func (p Policy) Normalize() Policy {
	def := TurnPolicy()
	if p.InitialMs <= 0 {
		p.InitialMs = def.InitialMs
	}
	if p.MaxMs <= 0 {
		p.MaxMs = def.MaxMs
	}
	if p.MaxMs < p.InitialMs {
		p.MaxMs = p.InitialMs
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the backoff for the given attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes min(max, initial*factor^(attempt-1) + jitter) using
// a caller-supplied random value in [0.0, 1.0).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := p.InitialMs * math.Pow(p.Factor, exp)
	total := math.Min(p.MaxMs, base+base*p.Jitter*randomValue)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Hinted prefers a server-supplied delay over the computed backoff. The hint
// is not capped by MaxMs, only by ceiling when ceiling is positive.
func (p Policy) Hinted(attempt int, hint, ceiling time.Duration) time.Duration {
	if hint <= 0 {
		return p.Delay(attempt)
	}
	if ceiling > 0 && hint > ceiling {
		return ceiling
	}
	return hint
}
