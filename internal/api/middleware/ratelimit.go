package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/spysignal/relay/internal/metrics"
)

// autoBlockThreshold is the number of violations per hour that earns a block.
const autoBlockThreshold = 10

// LimitStore keeps sliding-window counters and IP blocks.
// store.RedisStore implements it.
type LimitStore interface {
	RecordHit(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error)
	IncrViolations(ctx context.Context, ip string) (int64, error)
	IsBlocked(ctx context.Context, ip string) bool
	Block(ctx context.Context, ip string, duration time.Duration, reason string) error
}

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Enable auto-blocking after repeated violations
}

// RateLimiter implements sliding window rate limiting.
type RateLimiter struct {
	store            LimitStore
	limits           []routeLimit
	logger           zerolog.Logger
	whitelist        []*net.IPNet
	whitelistIPs     map[string]bool
	autoBlockEnabled bool
}

type routeLimit struct {
	pattern string
	limit   RateLimit
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(store LimitStore, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		store:            store,
		logger:           logger,
		whitelistIPs:     make(map[string]bool),
		autoBlockEnabled: cfg.AutoBlockEnabled,
		// Longest prefix first; the first match wins.
		limits: []routeLimit{
			{"POST /api/register", RateLimit{10, time.Hour, ipKey}},
			{"GET /api/users/search", RateLimit{30, time.Minute, ipKey}},
			{"POST /api/pubkey", RateLimit{10, time.Minute, callerKey}},
			{"GET /api/pubkey/", RateLimit{120, time.Minute, ipKey}},
			{"POST /api/messages", RateLimit{60, time.Minute, callerKey}},
			{"GET /api/messages", RateLimit{120, time.Minute, callerKey}},
			{"POST /api/files", RateLimit{20, time.Minute, callerKey}},
			{"GET /api/files", RateLimit{60, time.Minute, callerKey}},
			// ICE gathering sends bursts of candidates.
			{"POST /call/candidate", RateLimit{300, time.Minute, callerKey}},
			{"POST /call/", RateLimit{60, time.Minute, callerKey}},
			{"GET /call/poll", RateLimit{240, time.Minute, callerKey}},
			{"GET /call/stream", RateLimit{10, time.Minute, callerKey}},
		},
	}

	// Parse whitelist entries
	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			// CIDR notation
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			rl.whitelistIPs[entry] = true
		}
	}

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}

	return rl
}

// isWhitelisted checks if an IP is in the whitelist.
func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	if rl.whitelistIPs[ipStr] {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ipKey returns rate limit key based on client IP.
func ipKey(r *http.Request) string {
	return "ratelimit:ip:" + RealIP(r)
}

// callerKey keys on a digest of the presented credential, so one token
// cannot spread its traffic over many IPs. Anonymous requests fall back
// to the IP.
func callerKey(r *http.Request) string {
	cred := r.Header.Get("Authorization")
	if cred == "" {
		cred = r.URL.Query().Get("access_token")
	}
	if cred == "" {
		return ipKey(r)
	}
	sum := sha256.Sum256([]byte(cred))
	return "ratelimit:token:" + hex.EncodeToString(sum[:8])
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// CheckAndIncrement checks rate limit and increments counter.
// Returns (allowed, remaining, resetAt). A counter failure lets the
// request through.
func (rl *RateLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	now := time.Now()
	resetAt := now.Add(window)

	count, err := rl.store.RecordHit(ctx, key, window, now)
	if err != nil {
		rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit counter unavailable")
		return true, limit, resetAt
	}

	remaining := limit - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}
	return count < int64(limit), remaining, resetAt
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)

		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.store.IsBlocked(r.Context(), ip) {
			metrics.BlockedRequests.WithLabelValues("ip_block").Inc()
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit, pattern := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.KeyFunc(r)
		allowed, remaining, resetAt := rl.CheckAndIncrement(r.Context(), key, limit.Requests, limit.Window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())))

			rl.trackViolation(r.Context(), ip)
			metrics.RateLimitHits.WithLabelValues(pattern).Inc()

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")

			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit finds the matching rate limit for a request.
func (rl *RateLimiter) findLimit(r *http.Request) (*RateLimit, string) {
	key := r.Method + " " + r.URL.Path

	for _, rule := range rl.limits {
		if strings.HasPrefix(key, rule.pattern) {
			l := rule.limit
			return &l, rule.pattern
		}
	}
	return nil, ""
}

// trackViolation tracks rate limit violations and auto-blocks repeat offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlockEnabled {
		return
	}

	count, err := rl.store.IncrViolations(ctx, ip)
	if err != nil || count < autoBlockThreshold {
		return
	}

	if err := rl.store.Block(ctx, ip, 24*time.Hour, "repeated rate limit violations"); err != nil {
		rl.logger.Error().Err(err).Str("ip", ip).Msg("failed to block IP")
		return
	}
	rl.logger.Warn().
		Str("type", "security").
		Str("event", "ip_auto_blocked").
		Str("ip", ip).
		Int64("violations", count).
		Msg("IP auto-blocked for repeated violations")
}
