package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/000haoji/cardforge/internal/metrics"
)

// RateLimiterPool manages per-model rate limiters
type RateLimiterPool struct {
	limiters  map[string]*rate.Limiter
	rates     map[string]int // Track original rates for consistency check
	mu        sync.RWMutex
	collector *metrics.Collector
}

// NewRateLimiterPool creates a new rate limiter pool
func NewRateLimiterPool(collector *metrics.Collector) *RateLimiterPool {
	return &RateLimiterPool{
		limiters:  make(map[string]*rate.Limiter),
		rates:     make(map[string]int),
		collector: collector,
	}
}

// GetOrCreate returns an existing rate limiter or creates a new one.
// If a limiter exists with a different rate, it logs a warning and
// keeps the existing one.
func (p *RateLimiterPool) GetOrCreate(modelID string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists := p.limiters[modelID]; exists {
		if existingRate, ok := p.rates[modelID]; ok && existingRate != requestsPerMinute {
			slog.Warn("Rate limiter already exists with different rate, using existing rate",
				"model_id", modelID,
				"existing_rpm", existingRate,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	rps := float64(requestsPerMinute) / 60.0
	burst := max(5, requestsPerMinute/5)
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[modelID] = limiter
	p.rates[modelID] = requestsPerMinute

	slog.Debug("Created rate limiter",
		"model_id", modelID,
		"rpm", requestsPerMinute,
		"burst", burst)

	return limiter
}

// Wait blocks until the rate limiter allows the next request. A
// non-positive rate means unlimited.
func (p *RateLimiterPool) Wait(ctx context.Context, modelID string, requestsPerMinute int) error {
	if requestsPerMinute <= 0 {
		return nil
	}
	limiter := p.GetOrCreate(modelID, requestsPerMinute)
	start := time.Now()
	err := limiter.Wait(ctx)
	if p.collector != nil {
		p.collector.RecordRateLimiterWait(modelID, time.Since(start))
	}
	return err
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
