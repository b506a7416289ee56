// Package security holds the request guards in front of the viewer API:
// token buckets per client address, progressive lockout after failed access
// codes, and a cap on concurrent event streams.
package security

import (
	"errors"
	"sync"
	"time"
)

// Rate limiting errors
var (
	ErrRateLimited = errors.New("security: rate limit exceeded")
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	mu           sync.Mutex
	rate         float64 // tokens per second
	burst        int
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time
}

// NewRateLimiter creates a limiter sustaining rate operations per second
// with bursts of up to burst. It starts full.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

// Allow reports whether one operation may proceed now, consuming a token
// if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Before(r.blockedUntil) {
		return false
	}

	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}
	return false
}

// Block rejects every operation for duration.
func (r *RateLimiter) Block(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockedUntil = time.Now().Add(duration)
}

// Reset refills the bucket and lifts any block.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = float64(r.burst)
	r.lastRefill = time.Now()
	r.blockedUntil = time.Time{}
}

func (r *RateLimiter) idleSince(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Before(r.blockedUntil) {
		return 0
	}
	return now.Sub(r.lastRefill)
}

// IPRateLimiter keeps one RateLimiter per client address.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	rate     float64
	burst    int
	idle     time.Duration // how long to keep inactive limiters

	stop chan struct{}
	once sync.Once
}

// NewIPRateLimiter creates a per-address limiter. Limiters idle for longer
// than idle are swept in the background until Close.
func NewIPRateLimiter(rate float64, burst int, idle time.Duration) *IPRateLimiter {
	ipl := &IPRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rate,
		burst:    burst,
		idle:     idle,
		stop:     make(chan struct{}),
	}
	if idle > 0 {
		go ipl.sweepLoop()
	}
	return ipl
}

func (ipl *IPRateLimiter) get(ip string) *RateLimiter {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()
	limiter, ok := ipl.limiters[ip]
	if !ok {
		limiter = NewRateLimiter(ipl.rate, ipl.burst)
		ipl.limiters[ip] = limiter
	}
	return limiter
}

// Allow checks if an operation from ip is allowed.
func (ipl *IPRateLimiter) Allow(ip string) bool {
	return ipl.get(ip).Allow()
}

// Block temporarily blocks ip.
func (ipl *IPRateLimiter) Block(ip string, duration time.Duration) {
	ipl.get(ip).Block(duration)
}

// Len returns the number of tracked addresses.
func (ipl *IPRateLimiter) Len() int {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()
	return len(ipl.limiters)
}

// Close stops the background sweep.
func (ipl *IPRateLimiter) Close() {
	ipl.once.Do(func() { close(ipl.stop) })
}

func (ipl *IPRateLimiter) sweepLoop() {
	ticker := time.NewTicker(ipl.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ipl.stop:
			return
		case <-ticker.C:
			ipl.sweep(time.Now())
		}
	}
}

func (ipl *IPRateLimiter) sweep(now time.Time) {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()
	for ip, limiter := range ipl.limiters {
		if limiter.idleSince(now) > ipl.idle {
			delete(ipl.limiters, ip)
		}
	}
}

// ConnectionLimiter limits concurrent long-lived connections, globally and
// per address.
type ConnectionLimiter struct {
	mu       sync.Mutex
	current  int
	max      int
	perIP    map[string]int
	maxPerIP int
}

// NewConnectionLimiter creates a connection limiter. Zero disables a bound.
func NewConnectionLimiter(max, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		max:      max,
		maxPerIP: maxPerIP,
		perIP:    make(map[string]int),
	}
}

// Acquire takes a slot for ip, reporting false when a limit is reached.
func (cl *ConnectionLimiter) Acquire(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.max > 0 && cl.current >= cl.max {
		return false
	}
	if cl.maxPerIP > 0 && cl.perIP[ip] >= cl.maxPerIP {
		return false
	}
	cl.current++
	cl.perIP[ip]++
	return true
}

// Release returns a slot taken by Acquire.
func (cl *ConnectionLimiter) Release(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.perIP[ip] == 0 {
		return
	}
	cl.current--
	cl.perIP[ip]--
	if cl.perIP[ip] == 0 {
		delete(cl.perIP, ip)
	}
}

// Current returns the number of held slots.
func (cl *ConnectionLimiter) Current() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.current
}

// FailureLimiter locks a key out after repeated failures, such as wrong
// access codes from one address.
type FailureLimiter struct {
	mu           sync.Mutex
	failures     map[string]*failureRecord
	resetAfter   time.Duration
	maxFailures  int
	lockDuration time.Duration
}

type failureRecord struct {
	count       int
	lastFailed  time.Time
	lockedUntil time.Time
}

// NewFailureLimiter locks a key for lockDuration once it reaches
// maxFailures failures with no gap longer than resetAfter.
func NewFailureLimiter(resetAfter time.Duration, maxFailures int, lockDuration time.Duration) *FailureLimiter {
	return &FailureLimiter{
		failures:     make(map[string]*failureRecord),
		resetAfter:   resetAfter,
		maxFailures:  maxFailures,
		lockDuration: lockDuration,
	}
}

// RecordFailure counts a failure for key and reports whether it is now
// locked.
func (fl *FailureLimiter) RecordFailure(key string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := time.Now()
	record, ok := fl.failures[key]
	if !ok {
		record = &failureRecord{}
		fl.failures[key] = record
	}
	if now.Sub(record.lastFailed) > fl.resetAfter {
		record.count = 0
	}
	record.count++
	record.lastFailed = now

	if fl.maxFailures > 0 && record.count >= fl.maxFailures {
		record.lockedUntil = now.Add(fl.lockDuration)
		record.count = 0
		return true
	}
	return false
}

// RetryAfter returns how long key stays locked, zero when it is not.
func (fl *FailureLimiter) RetryAfter(key string) time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	record, ok := fl.failures[key]
	if !ok {
		return 0
	}
	if d := time.Until(record.lockedUntil); d > 0 {
		return d
	}
	return 0
}

// RecordSuccess forgets key.
func (fl *FailureLimiter) RecordSuccess(key string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	delete(fl.failures, key)
}
