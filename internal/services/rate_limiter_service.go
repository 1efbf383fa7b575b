package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"schoolbus-tracking/internal/config"
	"schoolbus-tracking/internal/logger"
	rediswrap "schoolbus-tracking/internal/redis"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Lua скрипт для атомарного инкремента счетчика в фиксированном окне.
// KEYS[1]: счетчик. ARGV: лимит, длина окна (ms).
var fixLimitScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
local ttl = redis.call('PTTL', KEYS[1])
if current > tonumber(ARGV[1]) then
	return {0, current, ttl}
end
return {1, current, ttl}
`)

// RateLimiterService ограничивает частоту GPS-отметок от одного водителя
type RateLimiterService struct {
	redis  *rediswrap.Client
	config *config.RateLimitConfig
	log    *logger.Logger
}

// RateLimitResult содержит результат проверки rate limit
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Remaining  int       `json:"remaining"`
	Limit      int       `json:"limit"`
	ResetAt    time.Time `json:"reset_at,omitempty"`
	RetryAfter int       `json:"retry_after,omitempty"`
}

// NewRateLimiterService создает ограничитель поверх Redis
func NewRateLimiterService(redis *rediswrap.Client, cfg *config.RateLimitConfig, log *logger.Logger) *RateLimiterService {
	return &RateLimiterService{
		redis:  redis,
		config: cfg,
		log:    log,
	}
}

func rateLimitKey(driverID uuid.UUID) string {
	return rediswrap.GenerateKey(rediswrap.KeyPrefixRateLimit, "driver", driverID.String())
}

func unlimited() *RateLimitResult {
	return &RateLimitResult{
		Allowed:   true,
		Remaining: math.MaxInt,
		Limit:     math.MaxInt,
	}
}

// CheckLimit учитывает один запрос водителя и сообщает, разрешен ли он
func (s *RateLimiterService) CheckLimit(ctx context.Context, driverID uuid.UUID) (*RateLimitResult, error) {
	if !s.config.Enabled {
		return unlimited(), nil
	}

	limit := s.config.FixesPerWindow
	key := rateLimitKey(driverID)

	result, err := fixLimitScript.Run(ctx, s.redis.GetClient(), []string{key}, limit, s.config.Window.Milliseconds()).Result()
	if err != nil {
		// При ошибке Redis пропускаем запрос (fail-open)
		s.log.WithError(err).WithField("driver_id", driverID).Error("Rate limit script failed")
		return &RateLimitResult{Allowed: true, Remaining: limit, Limit: limit}, nil
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		s.log.WithField("driver_id", driverID).WithField("result", result).Error("Unexpected rate limit script result")
		return &RateLimitResult{Allowed: true, Remaining: limit, Limit: limit}, nil
	}

	allowed, _ := values[0].(int64)
	current, _ := values[1].(int64)
	ttlMs, _ := values[2].(int64)
	if ttlMs < 0 {
		ttlMs = s.config.Window.Milliseconds()
	}
	ttl := time.Duration(ttlMs) * time.Millisecond

	res := &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: limit - int(current),
		Limit:     limit,
		ResetAt:   time.Now().Add(ttl),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = int(math.Ceil(ttl.Seconds()))
		s.log.WithField("driver_id", driverID).
			WithField("count", current).
			WithField("limit", limit).
			Warn("Driver exceeded GPS fix rate limit")
	}
	return res, nil
}

// GetStatus возвращает текущее состояние лимита без изменения счетчика
func (s *RateLimiterService) GetStatus(ctx context.Context, driverID uuid.UUID) (*RateLimitResult, error) {
	if !s.config.Enabled {
		return unlimited(), nil
	}

	client := s.redis.GetClient()
	limit := s.config.FixesPerWindow
	key := rateLimitKey(driverID)

	count, err := client.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read rate limit counter: %w", err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	res := &RateLimitResult{
		Allowed:   count < limit,
		Remaining: remaining,
		Limit:     limit,
	}
	// Если ключа нет (TTL < 0), reset_at не имеет смысла
	if ttl, err := client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		res.ResetAt = time.Now().Add(ttl)
	}
	return res, nil
}

// ResetLimit сбрасывает счетчик водителя
func (s *RateLimiterService) ResetLimit(ctx context.Context, driverID uuid.UUID) error {
	if err := s.redis.GetClient().Del(ctx, rateLimitKey(driverID)).Err(); err != nil {
		s.log.WithError(err).WithField("driver_id", driverID).Error("Failed to reset rate limit")
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}

	s.log.WithField("driver_id", driverID).Info("Rate limit reset")
	return nil
}
