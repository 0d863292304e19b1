// Package ratelimit implements per-key admission control using Redis
// fixed-window counters with atomic Lua scripts, plus a concurrency
// dimension with acquire/release semantics.
//
// Windows are fixed, not sliding: boundary bursts are an accepted trade-off
// for O(1) counters and an exact Retry-After (the window remainder).
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript admits one request across up to three window dimensions
// atomically: every configured limit is checked first, and counters are only
// incremented when all dimensions admit. On reject nothing is incremented.
//
// KEYS[i] = counter key for dimension i
// ARGV    = limit_1, ttl_ms_1, limit_2, ttl_ms_2, ...  (limit 0 = unlimited)
// Returns: {1, 0} if admitted, {0, i} with i = 1-based blocked dimension.
var fixedWindowScript = redis.NewScript(`
		for i = 1, #KEYS do
			local limit = tonumber(ARGV[i*2 - 1])
			if limit > 0 then
				local count = tonumber(redis.call('GET', KEYS[i]) or '0')
				if count + 1 > limit then
					return {0, i}
				end
			end
		end
		for i = 1, #KEYS do
			if tonumber(ARGV[i*2 - 1]) > 0 then
				local count = redis.call('INCR', KEYS[i])
				if count == 1 then
					redis.call('PEXPIRE', KEYS[i], tonumber(ARGV[i*2]))
				end
			end
		end
		return {1, 0}
`)

// acquireScript takes one concurrency slot if the in-flight count is below
// the limit. The key carries a safety TTL so a crashed process cannot pin
// slots forever.
// Returns 1 on acquire, 0 when the limit is reached.
var acquireScript = redis.NewScript(`
		local count = tonumber(redis.call('GET', KEYS[1]) or '0')
		if count >= tonumber(ARGV[1]) then
			return 0
		end
		redis.call('INCR', KEYS[1])
		redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
		return 1
`)

// releaseScript returns a slot, never letting the counter go negative.
var releaseScript = redis.NewScript(`
		local count = tonumber(redis.call('GET', KEYS[1]) or '0')
		if count > 0 then
			redis.call('DECR', KEYS[1])
		end
		return 0
`)

// Dimension names a rate-limit window.
type Dimension string

const (
	DimMinute     Dimension = "minute"
	DimHour       Dimension = "hour"
	DimDay        Dimension = "day"
	DimConcurrent Dimension = "concurrent"
)

// Limits is a per-subject cap set. Zero means unlimited for that dimension.
type Limits struct {
	PerMinute  int
	PerHour    int
	PerDay     int
	Concurrent int
}

// Decision is the admission verdict. RetryAfter is the remainder of the
// blocked window, suitable for the Retry-After header.
type Decision struct {
	Allowed    bool
	Dimension  Dimension
	RetryAfter time.Duration
}

// concurrency slots auto-expire if never released (crashed holder).
const concurrencySafetyTTL = 5 * time.Minute

// Limiter checks fixed-window counters against Redis. A nil Limiter or an
// unreachable Redis admits everything (graceful degradation, matching the
// cache tier's posture).
type Limiter struct {
	rdb *redis.Client
}

// New creates a Limiter. rdb may be nil to disable limiting.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

var windows = []struct {
	dim  Dimension
	size time.Duration
}{
	{DimMinute, time.Minute},
	{DimHour, time.Hour},
	{DimDay, 24 * time.Hour},
}

// Admit checks and increments all window dimensions for subject atomically.
// Window counters are never rolled back after admission: they represent work
// admitted, not work completed.
func (l *Limiter) Admit(ctx context.Context, subject string, lim Limits) (Decision, error) {
	if l == nil || l.rdb == nil {
		return Decision{Allowed: true}, nil
	}

	limits := []int{lim.PerMinute, lim.PerHour, lim.PerDay}
	now := time.Now()

	keys := make([]string, len(windows))
	argv := make([]any, 0, len(windows)*2)
	for i, w := range windows {
		keys[i] = windowKey(subject, w.dim, now, w.size)
		argv = append(argv, limits[i], w.size.Milliseconds())
	}

	res, err := fixedWindowScript.Run(ctx, l.rdb, keys, argv...).Int64Slice()
	if err != nil {
		// Redis unavailable — admit (graceful degradation).
		return Decision{Allowed: true}, nil
	}
	if len(res) == 2 && res[0] == 1 {
		return Decision{Allowed: true}, nil
	}

	blocked := windows[0]
	if len(res) == 2 && res[1] >= 1 && int(res[1]) <= len(windows) {
		blocked = windows[res[1]-1]
	}
	return Decision{
		Allowed:    false,
		Dimension:  blocked.dim,
		RetryAfter: windowRemainder(now, blocked.size),
	}, nil
}

// AcquireConcurrency takes one in-flight slot for subject. The caller must
// invoke ReleaseConcurrency exactly once, success or failure.
func (l *Limiter) AcquireConcurrency(ctx context.Context, subject string, limit int) (bool, error) {
	if l == nil || l.rdb == nil || limit <= 0 {
		return true, nil
	}
	res, err := acquireScript.Run(ctx, l.rdb,
		[]string{concurrencyKey(subject)},
		limit, concurrencySafetyTTL.Milliseconds(),
	).Int()
	if err != nil {
		return true, nil
	}
	return res == 1, nil
}

// ReleaseConcurrency returns a slot taken by AcquireConcurrency.
func (l *Limiter) ReleaseConcurrency(ctx context.Context, subject string) {
	if l == nil || l.rdb == nil {
		return
	}
	_ = releaseScript.Run(ctx, l.rdb, []string{concurrencyKey(subject)}).Err()
}

func windowKey(subject string, dim Dimension, now time.Time, size time.Duration) string {
	windowStart := now.UnixMilli() / size.Milliseconds()
	return "ratelimit:" + subject + ":" + string(dim) + ":" + strconv.FormatInt(windowStart, 10)
}

func concurrencyKey(subject string) string {
	return "ratelimit:" + subject + ":inflight"
}

func windowRemainder(now time.Time, size time.Duration) time.Duration {
	elapsed := time.Duration(now.UnixNano()) % size
	return size - elapsed
}
