package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c echo.Context) string

func ClientIP(c echo.Context) string {
	return c.RealIP()
}

// RequesterKey charges authenticated requests to the requester, so students
// sharing a campus NAT address get a bucket each. It must run after
// RequireAuth; anonymous requests fall back to the client address.
func RequesterKey(c echo.Context) string {
	if id, ok := RequesterIDFromContext(c); ok {
		return "requester:" + id
	}
	return "ip:" + ClientIP(c)
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mutex    sync.Mutex
	rate     rate.Limit
	burst    int
	ttl      time.Duration
	lastSeen map[string]time.Time
	key      KeyFunc
	now      func() time.Time
}

func NewRateLimiter(r rate.Limit, burst int, ttl time.Duration) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rate:     r,
		burst:    burst,
		ttl:      ttl,
		key:      ClientIP,
		now:      time.Now,
	}
}

func (l *RateLimiter) WithKey(key KeyFunc) *RateLimiter {
	l.key = key
	return l
}

func (l *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			now := l.now()
			limiter := l.getLimiter(l.key(c), now)
			reservation := limiter.ReserveN(now, 1)
			if !reservation.OK() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
			}
			if delay := reservation.DelayFrom(now); delay > 0 {
				reservation.CancelAt(now)
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
			}
			return next(c)
		}
	}
}

func (l *RateLimiter) getLimiter(key string, now time.Time) *rate.Limiter {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if limiter, ok := l.limiters[key]; ok {
		l.lastSeen[key] = now
		return limiter
	}
	limiter := rate.NewLimiter(l.rate, l.burst)
	l.limiters[key] = limiter
	l.lastSeen[key] = now
	l.cleanup(now)
	return limiter
}

func (l *RateLimiter) cleanup(now time.Time) {
	if l.ttl == 0 {
		return
	}
	cutoff := now.Add(-l.ttl)
	for key, last := range l.lastSeen {
		if last.Before(cutoff) {
			delete(l.lastSeen, key)
			delete(l.limiters, key)
		}
	}
}
