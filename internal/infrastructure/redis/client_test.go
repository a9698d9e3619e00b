package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/fastygo/orgcore/internal/config"
)

func TestNewClientPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), config.RedisConfig{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Fatalf("expected value in miniredis, got %q", got)
	}

	addr := mr.Addr()
	mr.Close()
	if _, err := NewClient(context.Background(), config.RedisConfig{URL: "redis://" + addr}); err == nil {
		t.Fatal("expected ping failure against a stopped server")
	}
}

func TestOptionsOverrides(t *testing.T) {
	opts, err := Options(config.RedisConfig{URL: "redis://:urlpw@cache.local:6380/1", Password: "envpw", DB: 3})
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Addr != "cache.local:6380" || opts.Password != "envpw" || opts.DB != 3 || opts.ClientName != "orgcore" {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := Options(config.RedisConfig{URL: "http://nope"}); err == nil {
		t.Fatal("expected invalid scheme to fail")
	}
}
