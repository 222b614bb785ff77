package app

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// loginLimiter throttles credential attempts per remote address.
type loginLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLoginLimiter() *loginLimiter {
	l := &loginLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Every(2 * time.Second),
		burst:    5,
	}
	go l.evictLoop()
	return l
}

func (l *loginLimiter) allow(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[host]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.visitors[host] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (l *loginLimiter) evictLoop() {
	for range time.Tick(time.Minute) {
		l.mu.Lock()
		for host, v := range l.visitors {
			if time.Since(v.lastSeen) > 10*time.Minute {
				delete(l.visitors, host)
			}
		}
		l.mu.Unlock()
	}
}
