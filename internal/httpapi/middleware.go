package httpapi

import (
	"compress/gzip"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

/***************
 * Middleware chain
 ***************/

// observe logs and measures every request under its chi route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		dur := time.Since(start)
		s.opts.Metrics.ObserveRequest(route, r.Method, rec.Status(), dur)
		if s.opts.AccessLog {
			slog.Info("httpapi: request",
				"method", r.Method,
				"route", route,
				"status", rec.Status(),
				"bytes", rec.Bytes(),
				"dur_ms", dur.Milliseconds(),
				"ip", remoteIP(r),
			)
		}
	})
}

// limit rejects clients above the per-IP request rate.
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(remoteIP(r)) {
			s.opts.Metrics.IncRateLimited()
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handled, _ := s.corsPolicy.handlePreflight(w, r); handled {
			return
		}
		if !s.corsPolicy.applyHeaders(w, r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// compress gzips JSON responses for clients that accept it. The feed
// routes (SSE, websocket) are mounted outside it.
func compress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsGzip(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gz := &gzipWriter{ResponseWriter: w, zw: gzip.NewWriter(w)}
		defer gz.zw.Close()
		next.ServeHTTP(gz, r)
	})
}

/***************
 * Access log recorder
 ***************/

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) Bytes() int64 { return r.bytes }

// Flush keeps SSE working behind the recorder.
func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

/***************
 * Gzip
 ***************/

type gzipWriter struct {
	http.ResponseWriter
	zw *gzip.Writer
}

func (g *gzipWriter) WriteHeader(code int) {
	g.Header().Del("Content-Length")
	g.ResponseWriter.WriteHeader(code)
}

func (g *gzipWriter) Write(b []byte) (int, error) { return g.zw.Write(b) }

func acceptsGzip(r *http.Request) bool {
	if r.Header.Get("Upgrade") != "" || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return false
	}
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// baseWriter unwraps the recorder; websocket upgrades need the Hijacker.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	if rr, ok := w.(*responseRecorder); ok && rr.ResponseWriter != nil {
		return rr.ResponseWriter
	}
	return w
}

/***************
 * Per-IP rate limiting
 ***************/

// ipRateLimiter keeps one token bucket per client address. Idle buckets
// age out of the LRU.
type ipRateLimiter struct {
	buckets *expirable.LRU[string, *rate.Limiter]
	rate    rate.Limit
	burst   int
}

func newIPRateLimiter(rps, burst int) *ipRateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &ipRateLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](4096, nil, 5*time.Minute),
		rate:    rate.Limit(rps),
		burst:   burst,
	}
}

func (l *ipRateLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	lim, ok := l.buckets.Get(ip)
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.buckets.Add(ip, lim)
	}
	return lim.Allow()
}

func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

/***************
 * CORS
 ***************/

// corsPolicy is nil when ZKBOT_CORS_ORIGINS is unset: no CORS headers, and
// browser websocket origins are not checked.
type corsPolicy struct {
	any     bool
	origins map[string]bool
}

func newCORSPolicy(origins []string) *corsPolicy {
	p := &corsPolicy{origins: make(map[string]bool)}
	for _, o := range origins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			p.any = true
		default:
			p.origins[o] = true
		}
	}
	if !p.any && len(p.origins) == 0 {
		return nil
	}
	return p
}

func (c *corsPolicy) isAllowed(origin string) bool {
	if c == nil || !(strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://")) {
		return false
	}
	return c.any || c.origins[origin]
}

// handlePreflight answers OPTIONS requests carrying an Origin.
func (c *corsPolicy) handlePreflight(w http.ResponseWriter, r *http.Request) (bool, int) {
	origin := r.Header.Get("Origin")
	if c == nil || r.Method != http.MethodOptions || origin == "" {
		return false, 0
	}
	status := http.StatusForbidden
	if c.isAllowed(origin) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		h.Set("Access-Control-Max-Age", "300")
		h.Add("Vary", "Origin")
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
	return true, status
}

// applyHeaders reports false when a present Origin is not allowed.
func (c *corsPolicy) applyHeaders(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if c == nil || origin == "" {
		return true
	}
	if !c.isAllowed(origin) {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	return true
}
