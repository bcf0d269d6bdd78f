package position

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RuntimeState is the ephemeral per-position bookkeeping the manager needs
// across cycles: whether breakeven fired, the trailing high-water mark and
// how many partial-close milestones were taken. Created when a position
// first appears OPEN, dropped when it disappears from the broker.
type RuntimeState struct {
	Ticket           int64     `json:"ticket"`
	BreakevenApplied bool      `json:"breakeven_applied"`
	TrailHighWater   float64   `json:"trail_high_water"`
	PartialsTaken    int       `json:"partials_taken"`
	LastModifiedAt   time.Time `json:"last_modified_at"`
}

// StateStore keeps runtime state per (account, ticket).
type StateStore interface {
	Get(ctx context.Context, accountID string, ticket int64) (*RuntimeState, error)
	Put(ctx context.Context, accountID string, state *RuntimeState) error
	Delete(ctx context.Context, accountID string, ticket int64) error
}

// MemoryStateStore is the in-process default.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*RuntimeState
}

// NewMemoryStateStore builds an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*RuntimeState)}
}

func stateKey(accountID string, ticket int64) string {
	return fmt.Sprintf("%s:%d", accountID, ticket)
}

func (m *MemoryStateStore) Get(ctx context.Context, accountID string, ticket int64) (*RuntimeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[stateKey(accountID, ticket)]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStateStore) Put(ctx context.Context, accountID string, state *RuntimeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	m.states[stateKey(accountID, state.Ticket)] = &cp
	return nil
}

func (m *MemoryStateStore) Delete(ctx context.Context, accountID string, ticket int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, stateKey(accountID, ticket))
	return nil
}

// Redis key layout: mt:posstate:{accountID}:{ticket}. TTL is generous,
// positions close well before it expires.
const (
	redisKeyPrefix = "mt:posstate"
	redisStateTTL  = 7 * 24 * time.Hour
)

// RedisStateStore persists runtime state in Redis so breakeven and partial
// close milestones survive a worker restart. All failures degrade to the
// in-memory fallback, trading never stops because Redis is down.
type RedisStateStore struct {
	client   *redis.Client
	fallback *MemoryStateStore
	log      zerolog.Logger
}

// NewRedisStateStore wraps an existing client.
func NewRedisStateStore(client *redis.Client, log zerolog.Logger) *RedisStateStore {
	return &RedisStateStore{
		client:   client,
		fallback: NewMemoryStateStore(),
		log:      log.With().Str("component", "position-state").Logger(),
	}
}

func redisKey(accountID string, ticket int64) string {
	return fmt.Sprintf("%s:%s:%d", redisKeyPrefix, accountID, ticket)
}

func (r *RedisStateStore) Get(ctx context.Context, accountID string, ticket int64) (*RuntimeState, error) {
	raw, err := r.client.Get(ctx, redisKey(accountID, ticket)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		r.log.Warn().Err(err).Msg("redis get failed, using memory fallback")
		return r.fallback.Get(ctx, accountID, ticket)
	}
	var st RuntimeState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode position state: %w", err)
	}
	return &st, nil
}

func (r *RedisStateStore) Put(ctx context.Context, accountID string, state *RuntimeState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, redisKey(accountID, state.Ticket), raw, redisStateTTL).Err(); err != nil {
		r.log.Warn().Err(err).Msg("redis set failed, using memory fallback")
		return r.fallback.Put(ctx, accountID, state)
	}
	// Keep the fallback warm so a Redis outage mid-flight loses nothing.
	_ = r.fallback.Put(ctx, accountID, state)
	return nil
}

func (r *RedisStateStore) Delete(ctx context.Context, accountID string, ticket int64) error {
	_ = r.fallback.Delete(ctx, accountID, ticket)
	if err := r.client.Del(ctx, redisKey(accountID, ticket)).Err(); err != nil {
		r.log.Warn().Err(err).Msg("redis del failed")
	}
	return nil
}
