// Package ratelimit throttles the admin surface of the sentinel API.
//
// Query ingest is deliberately not limited here: request velocity is the
// signal the detector scores, so dropping bursts would hide it.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sentinel",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the rate limiter.",
}, []string{"route"})

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig allows one manual trigger or reset every two seconds per
// client with a burst of five.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 30,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
}

// Limiter is a token bucket per key.
type Limiter struct {
	cfg      Config
	now      func() time.Time
	mu       sync.Mutex
	clients  map[string]*clientState
	stop     chan struct{}
	stopOnce sync.Once
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		now:     now,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops buckets that have refilled completely.
func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.refillTime())
	for key, state := range l.clients {
		if state.lastCheck.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

func (l *Limiter) refillTime() time.Duration {
	if l.cfg.RequestsPerMinute <= 0 {
		return time.Minute
	}
	return time.Duration(float64(l.cfg.BurstSize) / l.perSecond() * float64(time.Second))
}

func (l *Limiter) perSecond() float64 {
	return float64(l.cfg.RequestsPerMinute) / 60.0
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow takes a token for key. When none is left it returns false and how
// long until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, exists := l.clients[key]
	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true, 0
	}

	state.tokens += now.Sub(state.lastCheck).Seconds() * l.perSecond()
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true, 0
	}
	if l.perSecond() <= 0 {
		return false, time.Minute
	}
	wait := time.Duration((1 - state.tokens) / l.perSecond() * float64(time.Second))
	return false, wait
}

// Middleware rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(c.ClientIP())
		if !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			rejectedTotal.WithLabelValues(c.FullPath()).Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
