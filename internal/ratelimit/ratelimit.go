// Package ratelimit caps requests per client with a fixed window counter in Redis.
package ratelimit

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/redis/go-redis/v9"
)

// Limiter counts requests per client and window.
type Limiter struct {
	rdb    redis.Cmdable
	limit  int
	window time.Duration
	prefix string
	logger log.Logger
	now    func() time.Time

	// KeyFunc identifies the client. Defaults to the address resolved by
	// httpmw.ClientIPWithOptions, or the peer address without it.
	KeyFunc func(r *http.Request) string
}

// New creates a limiter allowing limit requests per window for each client.
func New(rdb redis.Cmdable, limit int, window time.Duration, prefix string, logger log.Logger) *Limiter {
	if rdb == nil {
		panic(xerrors.New("redis client is required"))
	}
	if limit <= 0 || window <= 0 {
		panic(xerrors.New("rate limit and window must be positive"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Limiter{
		rdb:     rdb,
		limit:   limit,
		window:  window,
		prefix:  prefix,
		logger:  logger,
		now:     time.Now,
		KeyFunc: clientIP,
	}
}

// Allow records one request for client and reports whether it is within the
// limit, the remaining budget and when the window resets.
func (l *Limiter) Allow(ctx context.Context, client string) (ok bool, remaining int, reset time.Duration, err error) {
	now := l.now()
	start := now.Truncate(l.window)
	key := l.prefix + ":" + client + ":" + strconv.FormatInt(start.Unix(), 10)

	var incr *redis.IntCmd
	_, err = l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return true, l.limit, 0, err
	}
	count := int(incr.Val())
	reset = start.Add(l.window).Sub(now)
	return count <= l.limit, max(l.limit-count, 0), reset, nil
}

// Middleware rejects over-limit clients with 429. Redis errors let the request through.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, remaining, reset, err := l.Allow(r.Context(), l.KeyFunc(r))
		if err != nil {
			l.logger.Warn(r.Context(), "rate limiter unavailable, allowing request", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		secs := strconv.Itoa(int((reset + time.Second - 1) / time.Second))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", secs)
		if !ok {
			w.Header().Set("Retry-After", secs)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":"too many requests"}`+"\n")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
