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

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// historyCap bounds the per-user recent request list.
const historyCap = 100

// debitScript atomically debits a credit balance, clamping at zero.
// KEYS[1] = balance key
// ARGV[1] = requested debit amount
// Returns: {debited, overrun} where overrun = requested - debited.
var debitScript = redis.NewScript(`
		local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
		local amount = tonumber(ARGV[1])
		if amount <= 0 then
			return {0, 0}
		end
		local debit = amount
		if debit > bal then
			debit = bal
		end
		if debit > 0 then
			redis.call('DECRBY', KEYS[1], debit)
		end
		return {debit, amount - debit}
`)

// resetScript performs the lazy plan-interval credit reset.
// KEYS[1] = balance key, KEYS[2] = last-reset key
// ARGV[1] = now (unix seconds), ARGV[2] = interval seconds, ARGV[3] = allowance
// Returns 1 when the reset ran, 0 otherwise.
var resetScript = redis.NewScript(`
		local now = tonumber(ARGV[1])
		local interval = tonumber(ARGV[2])
		local last = tonumber(redis.call('GET', KEYS[2]) or '0')
		if now - last < interval then
			return 0
		end
		redis.call('SET', KEYS[1], ARGV[3])
		redis.call('SET', KEYS[2], ARGV[1])
		return 1
`)

// userRecord is the JSON wire form of a domain.User. The credit balance in
// the record is a snapshot written at save time; the live balance is the
// integer key owned by DebitCredits and ResetCredits.
type userRecord struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	APIKeyHashes     []string `json:"api_key_hashes"`
	Plan             string   `json:"plan"`
	PlanExpiresAt    int64    `json:"plan_expires_at,omitempty"`
	Enabled          bool     `json:"enabled"`
	Credits          int64    `json:"credits"`
	Allowance        int64    `json:"allowance"`
	CreditsLastReset int64    `json:"credits_last_reset,omitempty"`
	AllowedModels    []string `json:"allowed_models,omitempty"`
	Permissions      []string `json:"permissions,omitempty"`
	IPWhitelist      []string `json:"ip_whitelist,omitempty"`
	RateLimit        int      `json:"rate_limit,omitempty"`
	MaxConcurrent    int      `json:"max_concurrent,omitempty"`
}

// Users is the Redis-backed user repository.
type Users struct {
	rdb *redis.Client
}

func NewUsers(rdb *redis.Client) *Users {
	return &Users{rdb: rdb}
}

// Get loads a user by id. The returned snapshot carries the live credit
// balance and reset timestamp, not the values frozen at save time.
func (u *Users) Get(ctx context.Context, id string) (*domain.User, error) {
	raw, err := u.rdb.Get(ctx, keyUser+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %s: %w", id, err)
	}

	var rec userRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: decode user %s: %w", id, err)
	}
	user := rec.toDomain()

	if bal, err := u.rdb.Get(ctx, keyUserCredits+id).Int64(); err == nil {
		user.Credits = bal
	}
	if last, err := u.rdb.Get(ctx, keyUserReset+id).Int64(); err == nil {
		user.CreditsLastReset = time.Unix(last, 0)
	}
	return user, nil
}

// FindByAPIKeyHash resolves a salted key hash to its user via the hash index.
func (u *Users) FindByAPIKeyHash(ctx context.Context, hash string) (*domain.User, error) {
	id, err := u.rdb.Get(ctx, keyUserHash+hash).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: resolve key hash: %w", err)
	}
	return u.Get(ctx, id)
}

// Save writes the user record, the hash index, and seeds the balance and
// reset keys when absent.
func (u *Users) Save(ctx context.Context, user *domain.User) error {
	rec := fromDomainUser(user)
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode user %s: %w", user.ID, err)
	}

	pipe := u.rdb.TxPipeline()
	pipe.Set(ctx, keyUser+user.ID, raw, 0)
	pipe.SAdd(ctx, keyUsers, user.ID)
	for hash := range user.APIKeyHashes {
		pipe.Set(ctx, keyUserHash+hash, user.ID, 0)
	}
	pipe.SetNX(ctx, keyUserCredits+user.ID, user.Credits, 0)
	if !user.CreditsLastReset.IsZero() {
		pipe.SetNX(ctx, keyUserReset+user.ID, user.CreditsLastReset.Unix(), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: save user %s: %w", user.ID, err)
	}
	return nil
}

// DebitCredits atomically subtracts amount from the user's balance, clamping
// at zero. Returns the amount actually debited and the clamped remainder.
func (u *Users) DebitCredits(ctx context.Context, id string, amount int64) (debited, overrun int64, err error) {
	result, err := debitScript.Run(ctx, u.rdb,
		[]string{keyUserCredits + id},
		amount,
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("store: debit user %s: %w", id, err)
	}
	if len(result) != 2 {
		return 0, 0, fmt.Errorf("store: debit user %s: unexpected script reply", id)
	}
	return result[0], result[1], nil
}

// ResetCredits refills the balance to allowance when a full plan interval has
// elapsed since the last reset. Returns whether the reset ran.
func (u *Users) ResetCredits(ctx context.Context, id string, allowance int64, interval time.Duration, now time.Time) (bool, error) {
	ran, err := resetScript.Run(ctx, u.rdb,
		[]string{keyUserCredits + id, keyUserReset + id},
		now.Unix(), int64(interval.Seconds()), allowance,
	).Int()
	if err != nil {
		return false, fmt.Errorf("store: reset credits for %s: %w", id, err)
	}
	return ran == 1, nil
}

// Credits returns the live balance.
func (u *Users) Credits(ctx context.Context, id string) (int64, error) {
	bal, err := u.rdb.Get(ctx, keyUserCredits+id).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: credits for %s: %w", id, err)
	}
	return bal, nil
}

// UsageRow is one entry in a user's bounded request history.
type UsageRow struct {
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
	Endpoint  string `json:"endpoint"`
	Status    string `json:"status"`
	Tokens    int64  `json:"tokens"`
	Credits   int64  `json:"credits"`
	LatencyMs int64  `json:"latency_ms"`
	At        int64  `json:"at"`
}

// RecordUsage bumps the user's usage counters and prepends a row to the
// bounded history list.
func (u *Users) RecordUsage(ctx context.Context, id string, row UsageRow) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: encode usage row: %w", err)
	}

	pipe := u.rdb.TxPipeline()
	pipe.HIncrBy(ctx, keyUserUsage+id, "requests", 1)
	pipe.HIncrBy(ctx, keyUserUsage+id, "tokens", row.Tokens)
	pipe.HIncrBy(ctx, keyUserUsage+id, "credits", row.Credits)
	pipe.LPush(ctx, keyUserHistory+id, raw)
	pipe.LTrim(ctx, keyUserHistory+id, 0, historyCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: record usage for %s: %w", id, err)
	}
	return nil
}

// History returns the user's recent request rows, newest first.
func (u *Users) History(ctx context.Context, id string) ([]UsageRow, error) {
	raws, err := u.rdb.LRange(ctx, keyUserHistory+id, 0, historyCap-1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: history for %s: %w", id, err)
	}
	rows := make([]UsageRow, 0, len(raws))
	for _, raw := range raws {
		var row UsageRow
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (r userRecord) toDomain() *domain.User {
	user := &domain.User{
		ID:            r.ID,
		Name:          r.Name,
		APIKeyHashes:  toSet(r.APIKeyHashes),
		Plan:          r.Plan,
		Enabled:       r.Enabled,
		Credits:       r.Credits,
		Allowance:     r.Allowance,
		AllowedModels: toSet(r.AllowedModels),
		Permissions:   toSet(r.Permissions),
		IPWhitelist:   toSet(r.IPWhitelist),
		RateLimit:     r.RateLimit,
		MaxConcurrent: r.MaxConcurrent,
	}
	if r.PlanExpiresAt > 0 {
		user.PlanExpiresAt = time.Unix(r.PlanExpiresAt, 0)
	}
	if r.CreditsLastReset > 0 {
		user.CreditsLastReset = time.Unix(r.CreditsLastReset, 0)
	}
	return user
}

func fromDomainUser(u *domain.User) userRecord {
	rec := userRecord{
		ID:            u.ID,
		Name:          u.Name,
		APIKeyHashes:  fromSet(u.APIKeyHashes),
		Plan:          u.Plan,
		Enabled:       u.Enabled,
		Credits:       u.Credits,
		Allowance:     u.Allowance,
		AllowedModels: fromSet(u.AllowedModels),
		Permissions:   fromSet(u.Permissions),
		IPWhitelist:   fromSet(u.IPWhitelist),
		RateLimit:     u.RateLimit,
		MaxConcurrent: u.MaxConcurrent,
	}
	if !u.PlanExpiresAt.IsZero() {
		rec.PlanExpiresAt = u.PlanExpiresAt.Unix()
	}
	if !u.CreditsLastReset.IsZero() {
		rec.CreditsLastReset = u.CreditsLastReset.Unix()
	}
	return rec
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	items := make([]string, 0, len(set))
	for item := range set {
		items = append(items, item)
	}
	return items
}
