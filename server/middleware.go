package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/telemetry"
)

// adminCredentials guards the /admin routes. With neither a token nor a username and password
// configured the routes are open.
type adminCredentials struct {
	token    string
	username string
	password string
}

func newAdminCredentials(cfg *config.Config) adminCredentials {
	c := adminCredentials{token: cfg.AdminToken}
	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		c.username, c.password = cfg.AdminUsername, cfg.AdminPassword
	}
	if !c.configured() {
		slog.Warn("admin routes are unauthenticated; set ADMIN_TOKEN or ADMIN_USERNAME and ADMIN_PASSWORD",
			slog.String("component", "http"))
	}
	return c
}

func (c adminCredentials) configured() bool { return c.token != "" || c.username != "" }

// accepts reports whether r carries the admin token, either in X-Admin-Token or as a bearer
// token, or matching basic credentials.
func (c adminCredentials) accepts(r *http.Request) bool {
	if !c.configured() {
		return true
	}
	if c.token != "" {
		tok := r.Header.Get("X-Admin-Token")
		if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && tok == "" {
			tok = after
		}
		if tok != "" && secretEqual(tok, c.token) {
			return true
		}
	}
	if c.username != "" {
		if user, pass, ok := r.BasicAuth(); ok {
			// Both comparisons run so timing doesn't reveal which one failed.
			userOK := secretEqual(user, c.username)
			passOK := secretEqual(pass, c.password)
			return userOK && passOK
		}
	}
	return false
}

func (c adminCredentials) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.accepts(r) {
			next.ServeHTTP(w, r)
			return
		}
		telemetry.LoggerWithCorr(r.Context()).Warn("admin request rejected",
			slog.String("component", "http"),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr))
		w.Header().Set("WWW-Authenticate", `Basic realm="live-tender admin"`)
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// rateBudget is the number of requests one client may make per limiter window.
type rateBudget struct {
	name  string
	limit int
}

type rateKey struct{ budget, client string }

// rateLimiter keeps a sliding log of request times per budget and client address. A nil
// *rateLimiter lets every request through.
type rateLimiter struct {
	window         time.Duration
	trustForwarded bool
	now            func() time.Time

	mu   sync.Mutex
	hits map[rateKey][]time.Time
}

// newRateLimiter returns nil when rate limiting is disabled.
func newRateLimiter(cfg *config.Config) *rateLimiter {
	if !cfg.RateLimitEnabled {
		return nil
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		window:         window,
		trustForwarded: cfg.TrustForwardedFor,
		now:            time.Now,
		hits:           make(map[rateKey][]time.Time),
	}
}

// take records a request against b for client. When the budget is spent it records nothing
// and returns how long until the oldest request leaves the window.
func (l *rateLimiter) take(b rateBudget, client string) (bool, time.Duration) {
	if b.limit <= 0 {
		return true, 0
	}
	now := l.now()
	cutoff := now.Add(-l.window)
	k := rateKey{b.name, client}

	l.mu.Lock()
	defer l.mu.Unlock()
	times := l.hits[k]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	times = times[i:]
	if len(times) >= b.limit {
		l.hits[k] = times
		return false, times[0].Add(l.window).Sub(now)
	}
	l.hits[k] = append(times, now)
	return true, 0
}

// sweep forgets clients with no request inside the window.
func (l *rateLimiter) sweep() {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, times := range l.hits {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.hits, k)
		}
	}
}

// run sweeps once per window until ctx is done.
func (l *rateLimiter) run(ctx context.Context) {
	if l == nil {
		return
	}
	t := time.NewTicker(l.window)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.sweep()
		}
	}
}

// limit returns middleware charging each request to b. Rejected requests get 429 and
// Retry-After in whole seconds.
func (l *rateLimiter) limit(b rateBudget) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddr(r, l.trustForwarded)
			ok, wait := l.take(b, client)
			if !ok {
				telemetry.IncRateLimited(b.name)
				telemetry.LoggerWithCorr(r.Context()).Warn("rate limit exceeded",
					slog.String("component", "http"),
					slog.String("budget", b.name),
					slog.String("client", client),
					slog.String("path", r.URL.Path))
				w.Header().Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(wait.Seconds())))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr is the host part of RemoteAddr, or the first X-Forwarded-For entry when the
// service runs behind a trusted proxy.
func clientAddr(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return strings.Trim(r.RemoteAddr, "[]")
}

// withCORS sets CORS headers for allowed origins and answers preflight requests. With no
// origins configured it returns next unchanged.
func withCORS(next http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && originAllowed(origin, origins)
		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID")
			h.Set("Access-Control-Expose-Headers", "X-Correlation-ID, Retry-After")
			h.Set("Access-Control-Max-Age", "600")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed matches origin against exact origins, "*" and "*.domain" host wildcards.
// A wildcard does not match the bare domain.
func originAllowed(origin string, allowed []string) bool {
	var host string
	if u, err := url.Parse(origin); err == nil {
		host = u.Hostname()
	}
	for _, a := range allowed {
		switch {
		case a == "*":
			return true
		case strings.HasPrefix(a, "*."):
			suffix := a[1:]
			if host != "" && len(host) > len(suffix) && strings.HasSuffix(host, suffix) {
				return true
			}
		case strings.EqualFold(strings.TrimSuffix(a, "/"), origin):
			return true
		}
	}
	return false
}
