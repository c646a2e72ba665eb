package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CallLimiter enforces a per-client request rate on /call. Stale clients are
// evicted in the background to bound memory.
type CallLimiter struct {
	clients map[string]*client
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewCallLimiter(rps, burst int) *CallLimiter {
	cl := &CallLimiter{
		clients: make(map[string]*client),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go cl.cleanup()
	return cl
}

// Allow reports whether one request from key may proceed now.
func (cl *CallLimiter) Allow(key string) bool {
	cl.mu.Lock()
	c, ok := cl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.clients[key] = c
	}
	c.lastSeen = time.Now()
	cl.mu.Unlock()
	return c.limiter.Allow()
}

// cleanup removes clients idle for more than 3 minutes, once per minute.
func (cl *CallLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		cl.mu.Lock()
		for key, c := range cl.clients {
			if time.Since(c.lastSeen) > 3*time.Minute {
				delete(cl.clients, key)
			}
		}
		cl.mu.Unlock()
	}
}
