package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/djlord-it/campus-lifecycle/internal/config"
)

func TestOpenStore_Memory(t *testing.T) {
	cfg := config.Defaults()
	cfg.StoreDriver = config.DriverMemory

	s, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	if s.health != nil {
		t.Error("memory store should not register a health check")
	}
	if err := s.close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := config.Defaults()
	cfg.StoreDriver = config.DriverSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "nested", "lifecycle.db")

	s, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer s.close()

	if s.health == nil {
		t.Fatal("sqlite store should register a health check")
	}
	if err := s.health.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
	counts, err := s.CountEvents(context.Background())
	if err != nil || counts.Active() != 0 {
		t.Errorf("fresh store counts = %+v, err = %v", counts, err)
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := config.Defaults()
	cfg.StoreDriver = "mongo"

	_, err := openStore(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unknown store driver") {
		t.Errorf("expected unknown driver error, got %v", err)
	}
}

func TestNewRedisClient(t *testing.T) {
	c, err := newRedisClient("localhost:6379")
	if err != nil {
		t.Fatalf("bare address: %v", err)
	}
	if c.Options().Addr != "localhost:6379" {
		t.Errorf("Addr = %q", c.Options().Addr)
	}
	c.Close()

	c, err = newRedisClient("redis://:s3cret@cache.internal:6380/2")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if c.Options().Addr != "cache.internal:6380" || c.Options().DB != 2 || c.Options().Password != "s3cret" {
		t.Errorf("unexpected options: addr=%s db=%d", c.Options().Addr, c.Options().DB)
	}
	c.Close()

	if _, err := newRedisClient("redis://cache.internal:notaport/x"); err == nil {
		t.Error("expected error for malformed url")
	}
}
