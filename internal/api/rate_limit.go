package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelstudio/internal/ratelimit"
	"github.com/go-chi/chi/v5/middleware"
)

type RateLimiter = ratelimit.Limiter

const (
	toolRequestCost = 5
	jobStartCost    = 3
)

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, ok := rateLimitScope(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		subject := strings.TrimSpace(r.Header.Get(s.userIDHeader))
		if subject == "" {
			subject = r.RemoteAddr
		}
		subject = subject + ":" + scope

		decision, err := s.rateLimiter.Allow(r.Context(), subject, rateLimitCost(r))
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("subject", subject).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("rate limiter check failed")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := max(1, int(decision.RetryAfter.Round(time.Second).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(scope).Inc()
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error: "rate limit exceeded",
			Kind:  "rate_limited",
		})
	})
}

// rateLimitScope limits mutating /v1 requests per resource family.
func rateLimitScope(r *http.Request) (string, bool) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "", false
	}
	rest, ok := strings.CutPrefix(r.URL.Path, "/v1/")
	if !ok {
		return "", false
	}
	family, _, _ := strings.Cut(rest, "/")
	if family == "" {
		return "", false
	}
	return family, true
}

// rateLimitCost weighs requests that call out to collaborators or start batch
// work heavier than plain edits.
func rateLimitCost(r *http.Request) int {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case strings.Contains(path, "/tools/"), strings.HasSuffix(path, "/mask/commit"):
		return toolRequestCost
	case strings.HasPrefix(path, "/v1/jobs/") && strings.HasSuffix(path, "/start"):
		return jobStartCost
	default:
		return 1
	}
}
