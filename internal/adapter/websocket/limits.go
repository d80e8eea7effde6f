package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	bucketIdleTTL  = 10 * time.Minute
	bucketSweepGap = 5 * time.Minute
)

// LimitReason describes why a connection attempt was rejected.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// LimitsConfig bounds connection admission.
type LimitsConfig struct {
	MaxConnections int
	MaxPerIP       int
	// Rate and Burst configure the per-IP token bucket for new connections.
	Rate  float64
	Burst int
}

// Limits admits new connections before the upgrade. It combines an
// instance-wide cap, a per-IP cap and a per-IP connection rate.
type Limits struct {
	clock clockwork.Clock
	cfg   LimitsConfig

	total atomic.Int64

	mu      sync.Mutex
	perIP   map[string]int
	buckets map[string]*bucket
	sweepAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLimits(cfg LimitsConfig, clock clockwork.Clock) *Limits {
	return &Limits{
		clock:   clock,
		cfg:     cfg,
		perIP:   make(map[string]int),
		buckets: make(map[string]*bucket),
		sweepAt: clock.Now().Add(bucketSweepGap),
	}
}

// Acquire reserves a slot for ip. On success the caller must Release it
// when the connection ends.
func (l *Limits) Acquire(ip string) (bool, LimitReason) {
	// rate first: it is the cheapest way to shed a flood
	if !l.allowRate(ip) {
		return false, LimitReasonRate
	}

	if !l.acquireGlobal() {
		return false, LimitReasonGlobal
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perIP[ip] >= l.cfg.MaxPerIP {
		l.total.Add(-1)
		return false, LimitReasonPerIP
	}
	l.perIP[ip]++
	return true, ""
}

func (l *Limits) Release(ip string) {
	l.mu.Lock()
	if n := l.perIP[ip]; n > 1 {
		l.perIP[ip] = n - 1
	} else {
		delete(l.perIP, ip)
	}
	l.mu.Unlock()

	l.total.Add(-1)
}

// Current returns the number of admitted connections.
func (l *Limits) Current() int64 { return l.total.Load() }

// UniqueIPs returns the number of addresses holding at least one slot.
func (l *Limits) UniqueIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perIP)
}

// CapacityPct returns the share of the instance-wide cap in use.
func (l *Limits) CapacityPct() float64 {
	if l.cfg.MaxConnections <= 0 {
		return 0
	}
	return float64(l.Current()) / float64(l.cfg.MaxConnections) * 100
}

func (l *Limits) acquireGlobal() bool {
	max := int64(l.cfg.MaxConnections)
	for {
		cur := l.total.Load()
		if cur >= max {
			return false
		}
		if l.total.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (l *Limits) allowRate(ip string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		l.sweep(now)
		l.sweepAt = now.Add(bucketSweepGap)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// sweep drops buckets idle for longer than bucketIdleTTL. Called with mu held.
func (l *Limits) sweep(now time.Time) {
	cutoff := now.Add(-bucketIdleTTL)
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}

func (l *Limits) trackedBuckets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
