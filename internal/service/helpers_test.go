package service

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/qcom/phoneauth/internal/cache"
	"github.com/qcom/phoneauth/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestRedis(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return cache.NewRedisCache(client), server
}

func newTestLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func testOTPConfig() *config.OTPConfig {
	return &config.OTPConfig{
		Length:      6,
		MinValue:    100000,
		MaxValue:    999999,
		Expiration:  5 * time.Minute,
		MaxAttempts: 3,
		Lockout:     15 * time.Minute,
		HashCost:    bcrypt.MinCost,
	}
}

func testJWTConfig() *config.JWTConfig {
	return &config.JWTConfig{
		SecretKey:     testSecret,
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: 7 * 24 * time.Hour,
	}
}

// sequenceGenerator returns codes in order and repeats the last one.
func sequenceGenerator(codes ...string) CodeGenerator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return code, nil
	}
}

type recordedEvent struct {
	Type     string
	Phone    string
	Attempts int
	Reason   string
	Lockout  time.Duration
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingSink) add(ev recordedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) OTPGenerated(_ context.Context, phone string) {
	r.add(recordedEvent{Type: "generated", Phone: phone})
}

func (r *recordingSink) OTPVerificationFailed(_ context.Context, phone string, attempts int, reason string) {
	r.add(recordedEvent{Type: "failed", Phone: phone, Attempts: attempts, Reason: reason})
}

func (r *recordingSink) OTPVerificationSucceeded(_ context.Context, phone string) {
	r.add(recordedEvent{Type: "succeeded", Phone: phone})
}

func (r *recordingSink) AccountLocked(_ context.Context, phone string, lockout time.Duration) {
	r.add(recordedEvent{Type: "locked", Phone: phone, Lockout: lockout})
}

func (r *recordingSink) InvalidPhoneFormat(_ context.Context, raw string) {
	r.add(recordedEvent{Type: "invalid_phone", Phone: raw})
}

func (r *recordingSink) TokenRevoked(context.Context) {
	r.add(recordedEvent{Type: "revoked"})
}

func (r *recordingSink) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (r *recordingSink) last() recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return recordedEvent{}
	}
	return r.events[len(r.events)-1]
}

// failingCache simulates an unreachable cache.
type failingCache struct {
	err error
}

func (f failingCache) Get(context.Context, string) (string, error)              { return "", f.err }
func (f failingCache) Set(context.Context, string, string, time.Duration) error { return f.err }
func (f failingCache) Delete(context.Context, ...string) error                  { return f.err }
func (f failingCache) Exists(context.Context, string) (bool, error)             { return false, f.err }

// countingCache wraps a cache and counts calls.
type countingCache struct {
	cache.Cache
	mu    sync.Mutex
	calls int
}

func (c *countingCache) inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
}

func (c *countingCache) Get(ctx context.Context, key string) (string, error) {
	c.inc()
	return c.Cache.Get(ctx, key)
}

func (c *countingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.inc()
	return c.Cache.Set(ctx, key, value, ttl)
}

func (c *countingCache) Delete(ctx context.Context, keys ...string) error {
	c.inc()
	return c.Cache.Delete(ctx, keys...)
}

func (c *countingCache) Exists(ctx context.Context, key string) (bool, error) {
	c.inc()
	return c.Cache.Exists(ctx, key)
}
