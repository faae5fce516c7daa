// Package sessions exposes the pool of transport sessions the dispatch engine
// draws from. The pool is read-only from the engine's side; the session
// provider owns session lifecycle and writes through the store.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Cypherspark/wa-gateway/internal/core"
)

// Pool yields the sessions a tenant may dispatch on, ordered by ascending id so
// a batch's round-robin cursor is reproducible for a given snapshot.
type Pool interface {
	Eligible(ctx context.Context, tenantID string) ([]core.Session, error)
}

type sessionStore interface {
	EligibleSessions(ctx context.Context, tenantID string) ([]core.Session, error)
}

// StorePool reads eligible sessions from Postgres, with an optional short-TTL
// redis cache in front. Staleness is acceptable here: snapshots are taken once
// per batch and sessions that die mid-batch surface as transport failures.
type StorePool struct {
	store sessionStore
	rdb   *redis.Client
	ttl   time.Duration
	log   zerolog.Logger
}

// NewStorePool builds a pool. rdb may be nil, in which case every lookup goes
// straight to the store.
func NewStorePool(store sessionStore, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *StorePool {
	return &StorePool{store: store, rdb: rdb, ttl: ttl, log: log}
}

func (p *StorePool) Eligible(ctx context.Context, tenantID string) ([]core.Session, error) {
	if p.rdb == nil {
		return p.store.EligibleSessions(ctx, tenantID)
	}

	key, err := p.cacheKey(ctx, tenantID)
	if err == nil {
		raw, gerr := p.rdb.Get(ctx, key).Bytes()
		if gerr == nil {
			var cached []core.Session
			if jerr := json.Unmarshal(raw, &cached); jerr == nil {
				return cached, nil
			}
		}
	}

	out, err := p.store.EligibleSessions(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	// Best effort: a cache write failure never fails the lookup.
	if key, kerr := p.cacheKey(ctx, tenantID); kerr == nil {
		if b, jerr := json.Marshal(out); jerr == nil {
			if serr := p.rdb.Set(ctx, key, b, p.ttl).Err(); serr != nil {
				p.log.Warn().Err(serr).Str("tenant", tenantID).Msg("session cache write failed")
			}
		}
	}
	return out, nil
}

// Invalidate bumps the cache generation, orphaning every cached snapshot at
// once. Shareable sessions make per-tenant invalidation pointless: one session
// flapping can change every tenant's eligible list.
func (p *StorePool) Invalidate(ctx context.Context) {
	if p.rdb == nil {
		return
	}
	if err := p.rdb.Incr(ctx, genKey).Err(); err != nil {
		p.log.Warn().Err(err).Msg("session cache invalidate failed")
	}
}

const genKey = "sessions:gen"

func (p *StorePool) cacheKey(ctx context.Context, tenantID string) (string, error) {
	gen, err := p.rdb.Get(ctx, genKey).Int64()
	if err != nil && err != redis.Nil {
		return "", err
	}
	return fmt.Sprintf("sessions:eligible:%d:%s", gen, tenantID), nil
}
