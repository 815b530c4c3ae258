// Package redisstore keeps ledgers and tiers in Redis so several meter
// processes can share them.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cubent/usagemeter/internal/models"
	"github.com/cubent/usagemeter/internal/store"
	"github.com/go-redis/redis/v8"
)

const (
	// DefaultPrefix namespaces every key.
	DefaultPrefix = "usagemeter"

	ledgerKind = "ledger"
	tierKind   = "tier"
)

// Store implements store.Ledgers and store.Profiles on Redis.
type Store struct {
	client *redis.Client
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// Dial parses a redis:// URL, connects and pings.
func Dial(ctx context.Context, redisURL string, opts ...Option) (*Store, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(client, opts...), nil
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(kind, userID string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, kind, userID)
}

// Load reads the user's ledger document.
func (s *Store) Load(ctx context.Context, userID string) (*models.Ledger, error) {
	data, err := s.client.Get(ctx, s.key(ledgerKind, userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("ledger %s: %w", userID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read ledger %s: %w", userID, err)
	}

	var l models.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to decode ledger %s: %w", userID, err)
	}
	if l.UserID == "" {
		l.UserID = userID
	}
	if l.Models == nil {
		l.Models = make(map[string]models.ModelUsage)
	}
	return &l, nil
}

// Save writes the ledger document. Last writer wins.
func (s *Store) Save(ctx context.Context, l *models.Ledger) error {
	if l == nil || l.UserID == "" {
		return fmt.Errorf("ledger user id is required")
	}
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to encode ledger %s: %w", l.UserID, err)
	}
	if err := s.client.Set(ctx, s.key(ledgerKind, l.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write ledger %s: %w", l.UserID, err)
	}
	return nil
}

// Tier returns the tier stored for the user.
func (s *Store) Tier(ctx context.Context, userID string) (models.Tier, error) {
	tier, err := s.client.Get(ctx, s.key(tierKind, userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("profile %s: %w", userID, store.ErrNotFound)
		}
		return "", fmt.Errorf("failed to read tier %s: %w", userID, err)
	}
	return models.Tier(tier), nil
}

// SetTier stores the user's tier.
func (s *Store) SetTier(ctx context.Context, userID string, tier models.Tier) error {
	if err := s.client.Set(ctx, s.key(tierKind, userID), string(tier), 0).Err(); err != nil {
		return fmt.Errorf("failed to write tier %s: %w", userID, err)
	}
	return nil
}

// Users lists user IDs that have a stored ledger.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	pattern := s.key(ledgerKind, "*")
	prefixLen := len(s.key(ledgerKind, ""))

	var (
		users  []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledgers: %w", err)
		}
		for _, k := range keys {
			users = append(users, k[prefixLen:])
		}
		if next == 0 {
			return users, nil
		}
		cursor = next
	}
}
