package store

import (
	"context"
	"fmt"
	"time"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Config selects and configures the job store backing.
type Config struct {
	Driver    string
	RedisURL  string
	KeyPrefix string
	TTL       time.Duration
}

// New builds the store named by cfg.Driver. The returned close func is
// never nil.
func New(ctx context.Context, cfg Config) (JobStore, func() error, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewInMemoryJobStore(), func() error { return nil }, nil
	case DriverRedis:
		s, err := NewRedisJobStore(ctx, cfg.RedisURL, cfg.TTL, cfg.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
