package worker

import (
	"math/rand"
	"time"

	"github.com/jcalloway/shopsim/internal/common"
)

// Backoff returns the delay before retry number attempt (1-based): the base
// doubles per attempt, capped at the maximum, plus uniform jitter so retries
// from one scenario spread out.
func Backoff(cfg common.SimulationConfig, attempt int) time.Duration {
	base := time.Duration(cfg.RetryBackoffBaseSeconds) * time.Second
	max := time.Duration(cfg.RetryBackoffMaxSeconds) * time.Second
	jitter := time.Duration(cfg.RetryBackoffJitterSeconds) * time.Second

	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(jitter)))
	}
	if delay > max {
		delay = max
	}
	return delay
}
