package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaycore/ai-gateway/internal/domain"
)

// providerRecord is the JSON wire form of a domain.Provider's configuration.
// Runtime metrics are not persisted; a reload starts every provider healthy.
type providerRecord struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Priority          int              `json:"priority"`
	IsActive          bool             `json:"is_active"`
	NeedsSubProviders bool             `json:"needs_sub_providers"`
	SupportedModels   []string         `json:"supported_models"`
	TimeoutMs         int64            `json:"timeout_ms,omitempty"`
	CostPerKiloTokens map[string]int64 `json:"cost_per_kilo_tokens,omitempty"`
}

// subRecord is the JSON wire form of a domain.SubProvider's configuration.
type subRecord struct {
	ID            string                      `json:"id"`
	ProviderID    string                      `json:"provider_id"`
	Enabled       bool                        `json:"enabled"`
	Priority      int                         `json:"priority"`
	Weight        int                         `json:"weight"`
	APIKeys       map[string]domain.KeyRecord `json:"api_keys,omitempty"`
	ModelMapping  map[string]string           `json:"model_mapping,omitempty"`
	MaxRPM        int                         `json:"max_rpm,omitempty"`
	MaxTPM        int                         `json:"max_tpm,omitempty"`
	MaxConcurrent int                         `json:"max_concurrent,omitempty"`
}

// Providers is the Redis-backed provider and sub-provider repository.
type Providers struct {
	rdb *redis.Client
}

func NewProviders(rdb *redis.Client) *Providers {
	return &Providers{rdb: rdb}
}

// SaveProvider writes a provider's configuration record.
func (p *Providers) SaveProvider(ctx context.Context, prov *domain.Provider) error {
	rec := providerRecord{
		ID:                prov.ID,
		Name:              prov.Name,
		Priority:          prov.Priority,
		IsActive:          prov.IsActive,
		NeedsSubProviders: prov.NeedsSubProviders,
		SupportedModels:   fromSet(prov.SupportedModels),
		TimeoutMs:         prov.Timeout.Milliseconds(),
		CostPerKiloTokens: prov.CostPerKiloTokens,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode provider %s: %w", prov.ID, err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, keyProvider+prov.ID, raw, 0)
	pipe.SAdd(ctx, keyProviders, prov.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: save provider %s: %w", prov.ID, err)
	}
	return nil
}

// SaveSubProvider writes a sub-provider's configuration record under its
// provider's index.
func (p *Providers) SaveSubProvider(ctx context.Context, sub *domain.SubProvider) error {
	rec := subRecord{
		ID:            sub.ID,
		ProviderID:    sub.ProviderID,
		Enabled:       sub.Enabled,
		Priority:      sub.Priority,
		Weight:        sub.Weight,
		APIKeys:       sub.APIKeys,
		ModelMapping:  sub.ModelMapping,
		MaxRPM:        sub.Limits.MaxRPM,
		MaxTPM:        sub.Limits.MaxTPM,
		MaxConcurrent: sub.Limits.MaxConcurrent,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode sub-provider %s: %w", sub.ID, err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, keySub+sub.ID, raw, 0)
	pipe.SAdd(ctx, keySubsFor+sub.ProviderID, sub.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: save sub-provider %s: %w", sub.ID, err)
	}
	return nil
}

// LoadAll reads every provider and its sub-providers. Records that fail to
// decode are skipped so one corrupt row cannot take down a reload.
func (p *Providers) LoadAll(ctx context.Context) ([]*domain.Provider, []*domain.SubProvider, error) {
	ids, err := p.rdb.SMembers(ctx, keyProviders).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("store: list providers: %w", err)
	}

	var provs []*domain.Provider
	var subs []*domain.SubProvider
	for _, id := range ids {
		prov, err := p.getProvider(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, nil, err
		}
		provs = append(provs, prov)

		provSubs, err := p.subsFor(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		subs = append(subs, provSubs...)
	}
	return provs, subs, nil
}

func (p *Providers) getProvider(ctx context.Context, id string) (*domain.Provider, error) {
	raw, err := p.rdb.Get(ctx, keyProvider+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get provider %s: %w", id, err)
	}

	var rec providerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: decode provider %s: %w", id, err)
	}

	prov := domain.NewProvider(rec.ID, rec.Name, rec.Priority)
	prov.IsActive = rec.IsActive
	prov.NeedsSubProviders = rec.NeedsSubProviders
	prov.SupportedModels = toSet(rec.SupportedModels)
	prov.Timeout = time.Duration(rec.TimeoutMs) * time.Millisecond
	prov.CostPerKiloTokens = rec.CostPerKiloTokens
	return prov, nil
}

func (p *Providers) subsFor(ctx context.Context, providerID string) ([]*domain.SubProvider, error) {
	ids, err := p.rdb.SMembers(ctx, keySubsFor+providerID).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list sub-providers for %s: %w", providerID, err)
	}

	var subs []*domain.SubProvider
	for _, id := range ids {
		raw, err := p.rdb.Get(ctx, keySub+id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: get sub-provider %s: %w", id, err)
		}

		var rec subRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}

		sub := domain.NewSubProvider(rec.ID, rec.ProviderID, rec.Weight, domain.SubLimits{
			MaxRPM:        rec.MaxRPM,
			MaxTPM:        rec.MaxTPM,
			MaxConcurrent: rec.MaxConcurrent,
		})
		sub.Enabled = rec.Enabled
		sub.Priority = rec.Priority
		if rec.APIKeys != nil {
			sub.APIKeys = rec.APIKeys
		}
		if rec.ModelMapping != nil {
			sub.ModelMapping = rec.ModelMapping
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
