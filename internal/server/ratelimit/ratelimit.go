package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const authWindow = time.Minute

type RateLimiter struct {
	connections  map[string]int         // IP -> connection count
	authAttempts map[string][]time.Time // IP -> timestamps of auth attempts
	mu           sync.Mutex
	maxConns     int
	maxAuth      int
	now          func() time.Time
}

func New(maxConns, maxAuth int) *RateLimiter {
	return &RateLimiter{
		connections:  make(map[string]int),
		authAttempts: make(map[string][]time.Time),
		maxConns:     maxConns,
		maxAuth:      maxAuth,
		now:          time.Now,
	}
}

func (rl *RateLimiter) MaxConns() int { return rl.maxConns }
func (rl *RateLimiter) MaxAuth() int  { return rl.maxAuth }

// Run drops expired auth attempts every minute until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(authWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-authWindow)
	for ip, attempts := range rl.authAttempts {
		valid := recent(attempts, cutoff)
		if len(valid) == 0 {
			delete(rl.authAttempts, ip)
		} else {
			rl.authAttempts[ip] = valid
		}
	}
}

func recent(attempts []time.Time, cutoff time.Time) []time.Time {
	var out []time.Time
	for _, t := range attempts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// TryConnect checks and reserves a connection slot in one step.
func (rl *RateLimiter) TryConnect(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.connections[ip] >= rl.maxConns {
		return false
	}
	rl.connections[ip]++
	return true
}

func (rl *RateLimiter) RemoveConnection(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.connections[ip]--
	if rl.connections[ip] <= 0 {
		delete(rl.connections, ip)
	}
}

// CanAuth records an attempt and reports whether ip is still under the
// per-minute limit.
func (rl *RateLimiter) CanAuth(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	attempts := recent(rl.authAttempts[ip], now.Add(-authWindow))
	if len(attempts) >= rl.maxAuth {
		rl.authAttempts[ip] = attempts
		return false
	}
	rl.authAttempts[ip] = append(attempts, now)
	return true
}

func GetClientIP(r *http.Request) string {
	// X-Forwarded-For may hold a proxy chain; the client is first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
