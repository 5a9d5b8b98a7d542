package redisattempts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"authcore/internal/domain/models"
	"authcore/internal/storage"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "login_attempts:"

// Store keeps login-attempt counters in Redis so the limit holds across
// instances. The key TTL is the sliding window: every failure pushes it
// forward, and an untouched counter simply evaporates.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Open connects a Redis client with pooling suitable for request traffic.
func Open(addr string) (*redis.Client, error) {
	const op = "storage.redisattempts.Open"

	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		PoolSize:        50,
		MinIdleConns:    2,
		DialTimeout:     5 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return client, nil
}

func (s *Store) IncrementAttempt(ctx context.Context, email string, at time.Time, ttl time.Duration) (*models.LoginAttempt, error) {
	const op = "storage.redisattempts.IncrementAttempt"

	key := keyPrefix + email

	pipe := s.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, "attempts", 1)
	pipe.HSet(ctx, key, "last_attempt", at.Unix())
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.LoginAttempt{
		Email:       email,
		Attempts:    int(incr.Val()),
		LastAttempt: at,
	}, nil
}

func (s *Store) Attempt(ctx context.Context, email string) (*models.LoginAttempt, error) {
	const op = "storage.redisattempts.Attempt"

	fields, err := s.client.HGetAll(ctx, keyPrefix+email).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrAttemptNotFound)
	}

	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return nil, fmt.Errorf("%s: parse attempts: %w", op, err)
	}
	lastUnix, err := strconv.ParseInt(fields["last_attempt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: parse last_attempt: %w", op, err)
	}

	return &models.LoginAttempt{
		Email:       email,
		Attempts:    attempts,
		LastAttempt: time.Unix(lastUnix, 0),
	}, nil
}

func (s *Store) ResetAttempts(ctx context.Context, email string) error {
	const op = "storage.redisattempts.ResetAttempts"

	if err := s.client.Del(ctx, keyPrefix+email).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
