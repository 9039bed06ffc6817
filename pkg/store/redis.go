package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// finishTxRetries bounds optimistic-lock retries when two callbacks race on
// the same job.
const finishTxRetries = 5

// RedisJobStore keeps each job as a JSON value under "<keyBase>:<id>".
type RedisJobStore struct {
	client  *redis.Client
	ttl     time.Duration
	keyBase string
	now     func() time.Time
}

// NewRedisJobStore connects to Redis and checks the connection. redisURL may
// be a redis:// URL or a plain host:port.
func NewRedisJobStore(ctx context.Context, redisURL string, ttl time.Duration, keyBase string) (*RedisJobStore, error) {
	opts, err := redisOptions(redisURL)
	if err != nil {
		return nil, err
	}

	opts.MaxRetries = 5
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 2 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisJobStoreWithClient(client, ttl, keyBase), nil
}

// NewRedisJobStoreWithClient wraps an existing client.
func NewRedisJobStoreWithClient(client *redis.Client, ttl time.Duration, keyBase string) *RedisJobStore {
	if keyBase == "" {
		keyBase = "imagecrypt:job"
	}
	return &RedisJobStore{
		client:  client,
		ttl:     ttl,
		keyBase: keyBase,
		now:     time.Now,
	}
}

func redisOptions(redisURL string) (*redis.Options, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: redisURL}, nil
}

func (s *RedisJobStore) key(id string) string {
	return s.keyBase + ":" + id
}

// Create stores a new job; an existing id is rejected
func (s *RedisJobStore) Create(ctx context.Context, job Job) error {
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.key(job.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	return nil
}

// Get retrieves a job from Redis
func (s *RedisJobStore) Get(ctx context.Context, id string) (Job, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(raw)
}

// Finish moves a processing job to a final status inside a WATCH transaction
func (s *RedisJobStore) Finish(ctx context.Context, id string, status Status, resultRef string) (Job, error) {
	if !status.Final() {
		return Job{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	key := s.key(id)
	var out Job
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		job, err := decodeJob(raw)
		if err != nil {
			return err
		}
		if job.Status.Final() {
			out = job
			return ErrAlreadyFinal
		}

		job.Status = status
		job.ResultReference = resultRef
		job.UpdatedAt = s.now()
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		if err == nil {
			out = job
		}
		return err
	}

	for i := 0; i < finishTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrAlreadyFinal) {
			return out, ErrAlreadyFinal
		}
		if err != nil {
			return Job{}, err
		}
		return out, nil
	}
	return Job{}, fmt.Errorf("finish job %s: %w", id, redis.TxFailedErr)
}

// Close releases the Redis connection pool.
func (s *RedisJobStore) Close() error {
	return s.client.Close()
}

func decodeJob(raw []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}
