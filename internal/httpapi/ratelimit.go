package httpapi

import (
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

type RateLimitConfig struct {
	PerMinute int
	Burst     int
	// TrustedProxies are the peers allowed to name the client in
	// X-Forwarded-For. The header is ignored from anyone else.
	TrustedProxies []netip.Prefix
}

// RateLimiter throttles ledger writes per front-desk client. Reads are never
// limited so the rotation board can poll freely.
type RateLimiter struct {
	writes  *tokenLimiter
	proxies []netip.Prefix
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		writes:  newTokenLimiter(cfg.PerMinute, cfg.Burst),
		proxies: cfg.TrustedProxies,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isWrite(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		client := l.clientIP(r)
		if client == "" {
			next.ServeHTTP(w, r)
			return
		}
		if wait, ok := l.writes.take(client); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, requestIDFrom(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// idleAfter is how long a full bucket is kept before it is evicted.
const idleAfter = 10 * time.Minute

type tokenLimiter struct {
	mu        sync.Mutex
	perSecond float64
	capacity  float64
	clients   map[string]*allowance
	lastSweep time.Time
	now       func() time.Time
}

type allowance struct {
	tokens float64
	seen   time.Time
}

func newTokenLimiter(perMinute, burst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	if burst <= 0 {
		burst = 30
	}
	return &tokenLimiter{
		perSecond: float64(perMinute) / 60,
		capacity:  float64(burst),
		clients:   make(map[string]*allowance),
		now:       time.Now,
	}
}

// take spends one token for client. When none is left it reports how long
// until the next token is available.
func (l *tokenLimiter) take(client string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	a, ok := l.clients[client]
	if !ok {
		a = &allowance{tokens: l.capacity, seen: now}
		l.clients[client] = a
	}
	a.tokens = math.Min(l.capacity, a.tokens+now.Sub(a.seen).Seconds()*l.perSecond)
	a.seen = now
	if a.tokens < 1 {
		missing := (1 - a.tokens) / l.perSecond
		return time.Duration(missing * float64(time.Second)), false
	}
	a.tokens--
	return 0, true
}

func (l *tokenLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < idleAfter {
		return
	}
	l.lastSweep = now
	for client, a := range l.clients {
		if now.Sub(a.seen) >= idleAfter {
			delete(l.clients, client)
		}
	}
}

func (l *tokenLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// clientIP is the connection peer unless that peer is a trusted proxy. Then
// X-Forwarded-For is read from the right, skipping further trusted hops, and
// the first untrusted address is the client.
func (l *RateLimiter) clientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !l.trusted(peer) {
		return peer
	}

	forwarded := r.Header.Values("X-Forwarded-For")
	var hops []string
	for _, value := range forwarded {
		for _, hop := range strings.Split(value, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !l.trusted(hops[i]) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return peer
}

func (l *RateLimiter) trusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range l.proxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
