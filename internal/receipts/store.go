// Package receipts tracks whether a reviewer has seen the latest activity on a
// document.
package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInvalidReceiptKey = errors.New("receipts: user and document required")

// Receipt is the read state of one user on one document. A missing receipt
// reads as not viewed.
type Receipt struct {
	Viewed    bool      `json:"viewed"`
	Timestamp time.Time `json:"timestamp"`
}

type Store interface {
	Get(ctx context.Context, userID, documentKey string) (Receipt, error)
	Put(ctx context.Context, userID, documentKey string, receipt Receipt) error
}

func validate(userID, documentKey string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(documentKey) == "" {
		return ErrInvalidReceiptKey
	}
	return nil
}

// RedisStore keeps receipts in Redis as JSON values.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

const defaultReceiptTTL = 90 * 24 * time.Hour

// NewRedisStore connects to the Redis URL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "receipt:",
		ttl:    defaultReceiptTTL,
	}
}

func (s *RedisStore) key(userID, documentKey string) string {
	return s.prefix + userID + ":" + documentKey
}

func (s *RedisStore) Get(ctx context.Context, userID, documentKey string) (Receipt, error) {
	if err := validate(userID, documentKey); err != nil {
		return Receipt{}, err
	}
	raw, err := s.client.Get(ctx, s.key(userID, documentKey)).Result()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, nil
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("lookup receipt: %w", err)
	}
	var receipt Receipt
	if err := json.Unmarshal([]byte(raw), &receipt); err != nil {
		return Receipt{}, fmt.Errorf("unmarshal receipt: %w", err)
	}
	return receipt, nil
}

func (s *RedisStore) Put(ctx context.Context, userID, documentKey string, receipt Receipt) error {
	if err := validate(userID, documentKey); err != nil {
		return err
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	if err := s.client.Set(ctx, s.key(userID, documentKey), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save receipt: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryStore keeps receipts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts map[string]Receipt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{receipts: make(map[string]Receipt)}
}

func (s *MemoryStore) Get(_ context.Context, userID, documentKey string) (Receipt, error) {
	if err := validate(userID, documentKey); err != nil {
		return Receipt{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receipts[userID+":"+documentKey], nil
}

func (s *MemoryStore) Put(_ context.Context, userID, documentKey string, receipt Receipt) error {
	if err := validate(userID, documentKey); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[userID+":"+documentKey] = receipt
	return nil
}
