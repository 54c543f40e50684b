// Package store persists gateway entities in Redis.
//
// Users, providers and sub-providers are stored as JSON records under
// namespaced keys, with secondary indexes for API key hash lookup. Credit
// balances live in their own integer keys so debits can run as atomic Lua
// scripts instead of read-modify-write on the JSON blob.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout.
const (
	keyUser        = "gw:user:"        // + id → JSON record
	keyUserHash    = "gw:user:hash:"   // + hash → user id
	keyUserCredits = "gw:user:credits:" // + id → integer balance
	keyUserReset   = "gw:user:reset:"  // + id → unix seconds of last reset
	keyUserUsage   = "gw:user:usage:"  // + id → hash of counters
	keyUserHistory = "gw:user:history:" // + id → list of recent request rows
	keyUsers       = "gw:users"        // set of user ids

	keyProvider  = "gw:provider:" // + id → JSON record
	keyProviders = "gw:providers" // set of provider ids

	keySub     = "gw:subprovider:"  // + id → JSON record
	keySubsFor = "gw:subproviders:" // + providerID → set of sub ids
)

// Connect opens a Redis client from a redis:// URL and verifies the
// connection with a short ping.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return client, nil
}
