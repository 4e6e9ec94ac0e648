package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/cuemby/instancer/pkg/auth"
	"github.com/cuemby/instancer/pkg/metrics"
)

type sessionKey struct{}

// sessionFrom returns the session stored by authenticate
func sessionFrom(ctx context.Context) (auth.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(auth.Session)
	return sess, ok
}

// authenticate resolves the team of the request or rejects it
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.auth.Authenticate(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog logs every request and records request metrics
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		timer := metrics.NewTimer()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)

		event := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", timer.Duration()).
			Str("client", clientIP(r, s.cfg.UseProxyHeaders)).
			Msg("request")
	})
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client address
type RateLimiter struct {
	limit        rate.Limit
	burst        int
	proxyHeaders bool

	mu       sync.Mutex
	limiters map[string]*limiterEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	started  sync.Once
}

// NewRateLimiter creates a limiter allowing perSecond requests per client
// with the given burst. With proxyHeaders the client address is taken from
// X-Forwarded-For / X-Real-IP.
func NewRateLimiter(perSecond float64, burst int, proxyHeaders bool) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:        rate.Limit(perSecond),
		burst:        burst,
		proxyHeaders: proxyHeaders,
		limiters:     make(map[string]*limiterEntry),
		stopCh:       make(chan struct{}),
	}
}

// Allow reports whether a request from client may proceed
func (l *RateLimiter) Allow(client string) bool {
	l.mu.Lock()
	entry, ok := l.limiters[client]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[client] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// Middleware rejects requests over the limit with 429
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r, l.proxyHeaders)) {
			metrics.RateLimitedTotal.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup drops limiters of clients idle for longer than idle
func (l *RateLimiter) Cleanup(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	removed := 0
	for client, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, client)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// StartCleanup periodically drops idle limiters until Stop
func (l *RateLimiter) StartCleanup(interval time.Duration) {
	l.started.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					l.Cleanup(interval)
				case <-l.stopCh:
					return
				}
			}
		}()
	})
}

// Stop ends the cleanup loop
func (l *RateLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

// clientIP extracts the client address. Forwarding headers are only
// trusted when the instancer runs behind a proxy.
func clientIP(r *http.Request, proxyHeaders bool) string {
	if proxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
