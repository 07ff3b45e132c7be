package limiter

// Per-IP token bucket rate limiter with CIDR allow/deny gating. Buckets are
// keyed by the /64-normalized address, refilled continuously at N tokens per
// period and swept by a background janitor.

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

const (
	janitorInterval  = 20 * time.Minute
	bucketInactivity = 2 * time.Hour
	maxBuckets       = 10000
)

// Verdict is the admission decision for a single request.
type Verdict int

const (
	// Allowed request passes, a token consumed unless the IP is allow-listed
	Allowed Verdict = iota

	// Denied the IP matched the deny list
	Denied

	// Limited the bucket is exhausted
	Limited
)

type ipBucket struct {
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
}

// Limiter is the admission gate. Safe for concurrent use.
type Limiter struct {
	requestLimit float64
	period       time.Duration
	allowList    *CIDRList
	denyList     *CIDRList

	mu      sync.RWMutex
	buckets map[string]*ipBucket

	now func() time.Time
}

// NewLimiter creates a limiter admitting requestLimit requests per period
// for each /64-normalized client address.
func NewLimiter(requestLimit int, period time.Duration, allowList, denyList *CIDRList) *Limiter {
	return &Limiter{
		requestLimit: float64(requestLimit),
		period:       period,
		allowList:    allowList,
		denyList:     denyList,
		buckets:      make(map[string]*ipBucket),
		now:          time.Now,
	}
}

// Allow runs the admission sequence for a client address: deny list first,
// allow list passes unmetered, everything else spends a bucket token.
func (l *Limiter) Allow(ip string) Verdict {
	if l.denyList.Contains(ip) {
		return Denied
	}
	if l.allowList.Contains(ip) {
		return Allowed
	}

	key := NormalizeIPv6to64(ip)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &ipBucket{tokens: l.requestLimit, lastRefill: now}
		l.buckets[key] = b
	}

	// continuous refill, capped at the limit
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() * l.requestLimit / l.period.Seconds()
		if b.tokens > l.requestLimit {
			b.tokens = l.requestLimit
		}
	}
	b.lastRefill = now
	b.lastAccess = now

	if b.tokens < 1 {
		return Limited
	}
	b.tokens--
	return Allowed
}

// Run starts the janitor loop, returns when ctx canceled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup drops buckets idle beyond the inactivity window. If the table is
// still over the hard bound afterwards it is cleared outright, losing the
// counters is accepted over unbounded growth.
func (l *Limiter) cleanup() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.lastAccess) > bucketInactivity {
			delete(l.buckets, key)
		}
	}

	if len(l.buckets) > maxBuckets {
		log.Printf("[WARN] rate buckets table over %d entries, resetting", maxBuckets)
		l.buckets = make(map[string]*ipBucket)
	}
}

// size returns current buckets count, used by tests.
func (l *Limiter) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// ClientIP extracts the client address honoring X-Forwarded-For (leftmost
// entry) and X-Real-IP before the socket remote. IPv4-mapped and bracketed
// forms are stripped.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			xff = xff[:idx]
		}
		return cleanIP(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return cleanIP(rip)
	}

	host := r.RemoteAddr
	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}
	return cleanIP(host)
}

func cleanIP(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	s = strings.TrimPrefix(s, "::ffff:")
	return s
}

// splitHostPort is a forgiving net.SplitHostPort, bare addresses without a
// port are returned as is.
func splitHostPort(hostPort string) (host, port string, err error) {
	if !strings.Contains(hostPort, ":") {
		return hostPort, "", nil
	}
	// bracketed v6 or v4 with port
	if strings.HasPrefix(hostPort, "[") || strings.Count(hostPort, ":") == 1 {
		idx := strings.LastIndex(hostPort, ":")
		return strings.TrimSuffix(strings.TrimPrefix(hostPort[:idx], "["), "]"), hostPort[idx+1:], nil
	}
	// bare v6 without port
	return hostPort, "", nil
}
