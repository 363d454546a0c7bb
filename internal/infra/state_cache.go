package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Cache is the key-value surface the state cache writes through.
// Satisfied by GoRedisAdapter and MemoryCache.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Publish(ctx context.Context, channel string, message []byte) error
}

// MemoryCache is the in-process fallback when Redis is unavailable.
// Published messages are dropped; the websocket stream still serves
// local subscribers.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string][]byte)}
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	c.items[key] = cp
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (c *MemoryCache) Publish(context.Context, string, []byte) error { return nil }

// Cache key scheme. Everything here is rebuildable from live state, so
// a cold cache only costs a refresh cycle.
const (
	keyMonitoringLevel = "aegis:monitoring_level"
	keySafetyMetrics   = "aegis:safety_metrics"
	keyDecisionPrefix  = "aegis:decision:"

	channelState = "aegis:state"

	decisionTTL = 24 * time.Hour
)

// StateCache mirrors hot engine state into the cache so dashboards and
// sibling instances can read it without hitting the engine.
type StateCache struct {
	cache  Cache
	logger *slog.Logger
}

func NewStateCache(cache Cache, logger *slog.Logger) *StateCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateCache{cache: cache, logger: logger.With("component", "state_cache")}
}

// PutMonitoringLevel stores the current level and announces the change.
func (s *StateCache) PutMonitoringLevel(ctx context.Context, level, reason string) {
	payload, _ := json.Marshal(map[string]string{
		"level":  level,
		"reason": reason,
	})
	if err := s.cache.Set(ctx, keyMonitoringLevel, payload, 0); err != nil {
		s.logger.Warn("caching monitoring level failed", "error", err)
		return
	}
	if err := s.cache.Publish(ctx, channelState, payload); err != nil {
		s.logger.Warn("publishing level change failed", "error", err)
	}
}

// PutSafetyMetrics stores the latest safety metric snapshot.
func (s *StateCache) PutSafetyMetrics(ctx context.Context, snapshot interface{}) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Warn("encoding safety metrics failed", "error", err)
		return
	}
	if err := s.cache.Set(ctx, keySafetyMetrics, payload, 0); err != nil {
		s.logger.Warn("caching safety metrics failed", "error", err)
	}
}

// PutDecision stores one decision result under its ID with a TTL.
func (s *StateCache) PutDecision(ctx context.Context, decisionID string, result interface{}) {
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("encoding decision failed", "decision_id", decisionID, "error", err)
		return
	}
	if err := s.cache.Set(ctx, keyDecisionPrefix+decisionID, payload, decisionTTL); err != nil {
		s.logger.Warn("caching decision failed", "decision_id", decisionID, "error", err)
	}
}

// GetDecision fetches a cached decision result payload.
func (s *StateCache) GetDecision(ctx context.Context, decisionID string) ([]byte, error) {
	return s.cache.Get(ctx, keyDecisionPrefix+decisionID)
}
