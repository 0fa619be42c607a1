// Package ratelimit counts attempts per key in fixed windows. It guards the
// login, code verification and password reset endpoints against brute force.
//
// The counters live in a Store: MemoryStore for a single instance, RedisStore
// when several instances share the limit.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Store increments the counter for key, starting a new window of the given
// length when none is open, and returns the count inside the current window.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
	Reset(ctx context.Context, key string) error
}

// Limiter allows at most max hits per key per window.
type Limiter struct {
	store  Store
	prefix string
	max    int64
	window time.Duration
	// onReject is called with prefix for every rejected attempt.
	onReject func(prefix string)
}

func New(store Store, prefix string, max int, window time.Duration) *Limiter {
	return &Limiter{store: store, prefix: prefix, max: int64(max), window: window}
}

// Allow records an attempt and reports whether it is within the limit.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.store.Hit(ctx, l.prefix+":"+key, l.window)
	if err != nil {
		return false, err
	}
	if n > l.max {
		if l.onReject != nil {
			l.onReject(l.prefix)
		}
		return false, nil
	}
	return true, nil
}

// OnReject registers fn to observe rejections, e.g. a metrics counter.
func (l *Limiter) OnReject(fn func(prefix string)) *Limiter {
	l.onReject = fn
	return l
}

// Reset clears the counter, e.g. after a successful login.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, l.prefix+":"+key)
}

// Proxies is the set of reverse proxies whose X-Forwarded-For header is
// believed. A nil *Proxies trusts nobody.
type Proxies struct {
	nets []*net.IPNet
}

// NewProxies parses addresses and CIDR ranges ("10.0.0.0/8", "127.0.0.1").
func NewProxies(entries []string) (*Proxies, error) {
	p := &Proxies{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			if ip := net.ParseIP(e); ip != nil && ip.To4() != nil {
				e += "/32"
			} else {
				e += "/128"
			}
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		p.nets = append(p.nets, n)
	}
	return p, nil
}

func (p *Proxies) trusted(ip string) bool {
	if p == nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range p.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP returns the address attempts are counted against. The connection
// address is used unless it is a trusted proxy; then X-Forwarded-For is read
// right to left and the first hop that is not a trusted proxy wins.
func (p *Proxies) ClientIP(r *http.Request) string {
	remote, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remote = r.RemoteAddr
	}
	if !p.trusted(remote) {
		return remote
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !p.trusted(hop) {
			return hop
		}
	}
	return remote
}
