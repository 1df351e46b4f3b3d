package utils

import (
	"context"
	"testing"
)

func TestOpenRedisRequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestRedisConfigDefaults(t *testing.T) {
	cfg := RedisConfig{Addr: "localhost:6379"}.withDefaults()
	if cfg.DialTimeout <= 0 || cfg.PoolSize <= 0 || cfg.PingTimeout <= 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
