package session

import (
	"math/rand"
	"time"
)

// NextBackoffDelay returns the delay before retry attempt N (1-based). The
// first attempt waits InitialDelay; later ones grow by Multiplier up to
// MaxDelay. Jitter scales the grown delay into [d/2, 3d/2) and never past
// MaxDelay.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	mult := max(cfg.Multiplier, 1.0)
	delay := float64(cfg.InitialDelay)
	ceiling := float64(cfg.MaxDelay)
	for range attempt - 1 {
		delay *= mult
		if ceiling > 0 && delay >= ceiling {
			delay = ceiling
			break
		}
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
		if ceiling > 0 && delay > ceiling {
			delay = ceiling
		}
	}
	return time.Duration(delay)
}
