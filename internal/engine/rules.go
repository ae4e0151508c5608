package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tradeflow/positionengine/internal/domain"
)

// ContractRulesProvider resolves the tax-lot method for a contract.
// An empty contract id resolves to the default method (FIFO).
type ContractRulesProvider interface {
	Method(ctx context.Context, contractID string) (domain.TaxLotMethod, error)
}

// StaticRules is a fixed contract-id -> method table with a default.
type StaticRules struct {
	Methods map[string]domain.TaxLotMethod
	Default domain.TaxLotMethod
}

// NewStaticRules builds a table provider defaulting to FIFO.
func NewStaticRules(methods map[string]domain.TaxLotMethod) *StaticRules {
	return &StaticRules{Methods: methods, Default: domain.MethodFIFO}
}

// Method resolves the method, falling back to the default.
func (s *StaticRules) Method(ctx context.Context, contractID string) (domain.TaxLotMethod, error) {
	if contractID != "" {
		if m, ok := s.Methods[contractID]; ok {
			return m, nil
		}
	}
	if s.Default == "" {
		return domain.MethodFIFO, nil
	}
	return s.Default, nil
}

// CachedRules is a read-through cache in front of a slower provider.
// It keeps an in-process map and, when configured, mirrors entries in
// Redis so a fleet shares one warm cache. Cache failures degrade to the
// underlying provider, never to a trade failure.
type CachedRules struct {
	next ContractRulesProvider
	rdb  *redis.Client
	ttl  time.Duration

	mu    sync.RWMutex
	local map[string]domain.TaxLotMethod
}

// NewCachedRules wraps a provider with caching. rdb may be nil for an
// in-process-only cache.
func NewCachedRules(next ContractRulesProvider, rdb *redis.Client, ttl time.Duration) *CachedRules {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachedRules{
		next:  next,
		rdb:   rdb,
		ttl:   ttl,
		local: make(map[string]domain.TaxLotMethod),
	}
}

func rulesCacheKey(contractID string) string {
	return "posengine:rules:" + contractID
}

// Method resolves the method through local cache, Redis, then the
// underlying provider.
func (c *CachedRules) Method(ctx context.Context, contractID string) (domain.TaxLotMethod, error) {
	if contractID == "" {
		return c.next.Method(ctx, contractID)
	}

	c.mu.RLock()
	if m, ok := c.local[contractID]; ok {
		c.mu.RUnlock()
		return m, nil
	}
	c.mu.RUnlock()

	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, rulesCacheKey(contractID)).Result()
		switch {
		case err == nil:
			m := domain.TaxLotMethod(val)
			c.store(contractID, m)
			return m, nil
		case !errors.Is(err, redis.Nil):
			log.Warn().Err(err).Str("contract_id", contractID).Msg("contract rules cache read failed")
		}
	}

	m, err := c.next.Method(ctx, contractID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve tax-lot method for contract %s: %w", contractID, err)
	}
	c.store(contractID, m)
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, rulesCacheKey(contractID), string(m), c.ttl).Err(); err != nil {
			log.Warn().Err(err).Str("contract_id", contractID).Msg("contract rules cache write failed")
		}
	}
	return m, nil
}

func (c *CachedRules) store(contractID string, m domain.TaxLotMethod) {
	c.mu.Lock()
	c.local[contractID] = m
	c.mu.Unlock()
}
