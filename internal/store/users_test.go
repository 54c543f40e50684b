package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaycore/ai-gateway/internal/domain"
	"github.com/relaycore/ai-gateway/internal/store"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func testUser() *domain.User {
	return &domain.User{
		ID:               "u1",
		Name:             "acme",
		APIKeyHashes:     map[string]struct{}{"hash-abc": {}},
		Plan:             domain.PlanMonthly,
		Enabled:          true,
		Credits:          1000,
		Allowance:        1000,
		CreditsLastReset: time.Now().Add(-time.Hour),
		RateLimit:        60,
	}
}

func TestUsers_SaveAndGet(t *testing.T) {
	rdb := newTestRedis(t)
	users := store.NewUsers(rdb)
	ctx := context.Background()

	if err := users.Save(ctx, testUser()); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := users.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "acme" || got.Plan != domain.PlanMonthly {
		t.Errorf("got user %+v", got)
	}
	if !got.HasAPIKeyHash("hash-abc") {
		t.Error("key hash lost in round trip")
	}
	if got.Credits != 1000 {
		t.Errorf("credits = %d, want 1000", got.Credits)
	}
}

func TestUsers_GetMissing(t *testing.T) {
	rdb := newTestRedis(t)
	users := store.NewUsers(rdb)

	if _, err := users.Get(context.Background(), "nope"); err != store.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUsers_FindByAPIKeyHash(t *testing.T) {
	rdb := newTestRedis(t)
	users := store.NewUsers(rdb)
	ctx := context.Background()

	if err := users.Save(ctx, testUser()); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := users.FindByAPIKeyHash(ctx, "hash-abc")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "u1" {
		t.Errorf("found user %s, want u1", got.ID)
	}

	if _, err := users.FindByAPIKeyHash(ctx, "hash-unknown"); err != store.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUsers_DebitCredits(t *testing.T) {
	rdb := newTestRedis(t)
	users := store.NewUsers(rdb)
	ctx := context.Background()

	if err := users.Save(ctx, testUser()); err != nil {
		t.Fatalf("save: %v", err)
	}

	debited, overrun, err := users.DebitCredits(ctx, "u1", 300)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if debited != 300 || overrun != 0 {
		t.Errorf("debit = (%d,%d), want (300,0)", debited, overrun)
	}

	bal, _ := users.Credits(ctx, "u1")
	if bal != 700 {
		t.Errorf("balance = %d, want 700", bal)
	}
}

func TestUsers_DebitClampsAtZero(t *testing.T) {
	rdb := newTestRedis(t)
	users := store.NewUsers(rdb)
	ctx := context.Background()

	u := testUser()
	u.Credits = 50
	if err := users.Save(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Debit beyond the balance: clamp, and report the overrun.
	debited, overrun, err := users.DebitCredits(ctx, "u1", 80)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if debited != 50 || overrun != 30 {
		t.Errorf("debit = (%d,%d), want (50,30)", debited, overrun)
	}

	bal, _ := users.Credits(ctx, "u1")
	if bal != 0 {
		t.Errorf("balance = %d, want 0 (never negative)", bal)
	}
}

func TestUsers_ResetCredits(t *testing.T) {
	rdb := newTestRedis(t)
	users := store.NewUsers(rdb)
	ctx := context.Background()

	u := testUser()
	u.Plan = domain.PlanDaily
	u.Credits = 10
	u.CreditsLastReset = time.Now().Add(-25 * time.Hour)
	if err := users.Save(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}

	interval := domain.PlanInterval(u.Plan)
	ran, err := users.ResetCredits(ctx, "u1", u.Allowance, interval, time.Now())
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !ran {
		t.Fatal("reset should run after a full interval")
	}

	bal, _ := users.Credits(ctx, "u1")
	if bal != 1000 {
		t.Errorf("balance = %d, want allowance 1000", bal)
	}

	// A second reset inside the same interval must be a no-op.
	ran, err = users.ResetCredits(ctx, "u1", u.Allowance, interval, time.Now())
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ran {
		t.Error("reset must not run twice in one interval")
	}
}

func TestUsers_UsageHistoryBounded(t *testing.T) {
	rdb := newTestRedis(t)
	users := store.NewUsers(rdb)
	ctx := context.Background()

	if err := users.Save(ctx, testUser()); err != nil {
		t.Fatalf("save: %v", err)
	}

	for i := 0; i < 120; i++ {
		row := store.UsageRow{
			RequestID: "req",
			Model:     "gpt-4o",
			Status:    "completed",
			Tokens:    10,
			Credits:   1,
			At:        time.Now().Unix(),
		}
		if err := users.RecordUsage(ctx, "u1", row); err != nil {
			t.Fatalf("record usage: %v", err)
		}
	}

	rows, err := users.History(ctx, "u1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 100 {
		t.Errorf("history holds %d rows, want 100", len(rows))
	}
}
