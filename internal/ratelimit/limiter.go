package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/util"
)

const (
	countKeyPrefix   = "otp_rl:cnt:"
	lockKeyPrefix    = "otp_rl:lock:"
	strikesKeyPrefix = "otp_rl:strikes:"
)

// allowScript checks and consumes one issuance slot in a single round
// trip. Running the whole decision inside Redis removes the read-check-
// write race that a client-side counter would have.
//
// Returns {1, 0} when allowed, {0, <retry_after_ms>} when denied.
// Crossing the window limit starts a lockout whose duration doubles
// with each consecutive strike, capped at the configured maximum. The
// strikes counter itself expires after the cap interval, which is what
// makes lockouts "consecutive" rather than permanent.
const allowScript = `
local cnt_key = KEYS[1]
local lock_key = KEYS[2]
local strikes_key = KEYS[3]
local max_issuances = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local lockout_base_ms = tonumber(ARGV[3])
local lockout_max_ms = tonumber(ARGV[4])

local lock_ttl = redis.call('PTTL', lock_key)
if lock_ttl > 0 then
	return {0, lock_ttl}
end

local cnt = tonumber(redis.call('GET', cnt_key) or '0')
if cnt >= max_issuances then
	local strikes = tonumber(redis.call('INCR', strikes_key))
	redis.call('PEXPIRE', strikes_key, lockout_max_ms)

	local lock_ms = lockout_base_ms
	local i = 1
	while i < strikes and lock_ms < lockout_max_ms do
		lock_ms = lock_ms * 2
		i = i + 1
	end
	if lock_ms > lockout_max_ms then
		lock_ms = lockout_max_ms
	end

	redis.call('SET', lock_key, '1', 'PX', lock_ms)
	redis.call('DEL', cnt_key)
	return {0, lock_ms}
end

cnt = redis.call('INCR', cnt_key)
if cnt == 1 then
	redis.call('PEXPIRE', cnt_key, window_ms)
end
return {1, 0}
`

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter throttles OTP issuance per phone blind index. All state
// lives in Redis so every instance of the service shares one view.
type Limiter struct {
	redis *client.RedisClient
	cfg   *config.RateLimitConfig
}

func NewLimiter(redisClient *client.RedisClient, cfg *config.Config) *Limiter {
	return &Limiter{
		redis: redisClient,
		cfg:   &cfg.RateLimit,
	}
}

// Allow consumes one issuance slot for the phone hash, or reports how
// long the caller must wait. Redis failures deny the issuance: a
// throttle that cannot count must not let requests through.
func (l *Limiter) Allow(ctx context.Context, phoneHash string) (Decision, error) {
	keys := []string{
		countKeyPrefix + phoneHash,
		lockKeyPrefix + phoneHash,
		strikesKeyPrefix + phoneHash,
	}
	args := []interface{}{
		l.cfg.MaxIssuances,
		l.cfg.Window.Milliseconds(),
		l.cfg.LockoutBase.Milliseconds(),
		l.cfg.LockoutMax.Milliseconds(),
	}

	res, err := l.redis.Eval(ctx, allowScript, keys, args...)
	if err != nil {
		util.Error("rate limit check failed, denying issuance",
			zap.Error(err))
		return Decision{Allowed: false, RetryAfter: l.cfg.Window}, fmt.Errorf("rate limit check: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{Allowed: false, RetryAfter: l.cfg.Window}, fmt.Errorf("rate limit check: unexpected script result %T", res)
	}

	allowed, _ := vals[0].(int64)
	retryMs, _ := vals[1].(int64)

	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{
		Allowed:    false,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

// Reset clears the window counter and any active lockout for the phone
// hash. Called after a successful verification so a legitimate owner
// is not stuck behind their own earlier retries.
func (l *Limiter) Reset(ctx context.Context, phoneHash string) error {
	return l.redis.Del(ctx,
		countKeyPrefix+phoneHash,
		lockKeyPrefix+phoneHash,
		strikesKeyPrefix+phoneHash,
	)
}
