package incentives

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MemoryScores is a thread-safe in-memory ScoreSource.
type MemoryScores struct {
	mu     sync.RWMutex
	scores map[string]float64
}

func NewMemoryScores() *MemoryScores {
	return &MemoryScores{scores: make(map[string]float64)}
}

func (m *MemoryScores) Scores(_ context.Context) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.scores))
	for k, v := range m.scores {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryScores) SetScore(_ context.Context, agentDID string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[agentDID] = score
	return nil
}

// redisScoresKey is the hash holding agent usefulness scores, field = DID.
const redisScoresKey = "ainp:usefulness_scores"

// RedisScores is a Redis-backed ScoreSource so score updates from other
// broker processes are visible here.
type RedisScores struct {
	client *redis.Client
}

// NewRedisScores creates a score source against the given Redis address.
func NewRedisScores(addr, password string, db int) *RedisScores {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisScores{client: rdb}
}

func (r *RedisScores) Scores(ctx context.Context) (map[string]float64, error) {
	raw, err := r.client.HGetAll(ctx, redisScoresKey).Result()
	if err != nil {
		return nil, fmt.Errorf("incentives: redis scores: %w", err)
	}
	out := make(map[string]float64, len(raw))
	for did, v := range raw {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("incentives: corrupt score for %s: %w", did, err)
		}
		out[did] = score
	}
	return out, nil
}

func (r *RedisScores) SetScore(ctx context.Context, agentDID string, score float64) error {
	if err := r.client.HSet(ctx, redisScoresKey, agentDID, score).Err(); err != nil {
		return fmt.Errorf("incentives: redis set score: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (r *RedisScores) Close() error {
	return r.client.Close()
}
