package agent

import (
	"math"
	"math/rand"
	"time"

	"github.com/perchd/gatelink/internal/config"
)

// backoff computes reconnect delays: exponential growth from InitialDelay up
// to MaxDelay, with jitter so many agents do not stampede a recovering
// gateway at the same instant.
type backoff struct {
	cfg      config.ReconnectConfig
	attempts int
}

func newBackoff(cfg config.ReconnectConfig) *backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	return &backoff{cfg: cfg}
}

// next returns the delay before the next attempt. ok is false once
// MaxRetries is exhausted; MaxRetries 0 means retry forever.
func (b *backoff) next() (delay time.Duration, ok bool) {
	if b.cfg.MaxRetries > 0 && b.attempts >= b.cfg.MaxRetries {
		return 0, false
	}

	d := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(b.attempts))
	if d > float64(b.cfg.MaxDelay) {
		d = float64(b.cfg.MaxDelay)
	}
	b.attempts++

	return b.jitter(time.Duration(d)), true
}

// reset clears the attempt count after a successful connection.
func (b *backoff) reset() {
	b.attempts = 0
}

// jitter spreads a delay by up to ±Jitter of its value.
func (b *backoff) jitter(d time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 {
		return d
	}
	spread := float64(d) * b.cfg.Jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
