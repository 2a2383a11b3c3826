package server

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// secretStoreKey is the single key consulted at startup.
const secretStoreKey = "jwt:secret"

// SecretStore is the narrow interface the Gateway needs from a key-value
// secret backend. Production wires RedisSecretStore; tests can supply a
// fake without touching Redis at all.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// RedisSecretStore backs SecretStore with a real Redis driver. Any failure
// to reach Redis (refused connection, auth failure, timeout) is surfaced as
// an error rather than panicking — the caller decides whether that means
// dev mode.
type RedisSecretStore struct {
	client *redis.Client
}

// NewRedisSecretStore builds a client for addr (host:port) and password.
// It does not dial eagerly; the first Get performs the connection.
func NewRedisSecretStore(addr, password string) *RedisSecretStore {
	return &RedisSecretStore{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		}),
	}
}

// Get fetches key, returning (value, found, nil) on success, ("", false,
// nil) if the key is absent, and ("", false, err) on any other failure.
func (s *RedisSecretStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisSecretStore) Close() error {
	return s.client.Close()
}

// FetchVerificationKey loads the token-verification key from store. It
// never returns an error: unreachability or a missing key both mean "no
// key available", which the Gateway interprets as dev mode. The caller
// supplies the timeout via ctx.
func FetchVerificationKey(ctx context.Context, store SecretStore) []byte {
	if store == nil {
		return nil
	}
	val, ok, err := store.Get(ctx, secretStoreKey)
	if err != nil {
		Log.Warnf("secret store unreachable, falling back to dev mode: %v", err)
		return nil
	}
	if !ok || val == "" {
		Log.Warnf("secret store has no %q key, falling back to dev mode", secretStoreKey)
		return nil
	}
	return []byte(val)
}
