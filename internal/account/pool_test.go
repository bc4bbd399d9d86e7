package account

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func makeAccounts(n int) []*Account {
	accounts := make([]*Account, 0, n)
	for i := 1; i <= n; i++ {
		accounts = append(accounts, &Account{
			ID:       fmt.Sprintf("a%d", i),
			ConfigID: fmt.Sprintf("cfg-%d", i),
			Enabled:  true,
		})
	}
	return accounts
}

type notifierRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *notifierRecorder) CookieExpired(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, accountID)
}

func TestRoundRobinFairness(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(makeAccounts(3), WithNow(clock.Now))

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		snap, err := p.Next(QuotaText)
		require.NoError(t, err)
		counts[snap.ID]++
	}
	assert.Equal(t, 100, counts["a1"])
	assert.Equal(t, 100, counts["a2"])
	assert.Equal(t, 100, counts["a3"])
}

func TestRoundRobinSkipsCooling(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(makeAccounts(3), WithNow(clock.Now))

	p.MarkError("a2", 500, "boom", "")

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		snap, err := p.Next("")
		require.NoError(t, err)
		seen[snap.ID] = true
	}
	assert.True(t, seen["a1"])
	assert.True(t, seen["a3"])
	assert.False(t, seen["a2"])

	// After the generic cooldown lapses the account rejoins rotation.
	clock.Advance(GenericErrorCooldown + time.Second)
	assert.True(t, p.IsAvailable("a2", ""))
}

func TestCooldownExtendOnly(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(makeAccounts(1), WithNow(clock.Now))

	p.MarkCooldown("a1", "first", 10*time.Minute)
	views := p.Views()
	require.NotNil(t, views[0].CooldownUntil)
	long := *views[0].CooldownUntil

	// A shorter overlapping cooldown never shrinks the deadline.
	p.MarkCooldown("a1", "second", time.Minute)
	views = p.Views()
	require.NotNil(t, views[0].CooldownUntil)
	assert.Equal(t, long, *views[0].CooldownUntil)

	// A longer one extends it.
	p.MarkCooldown("a1", "third", 30*time.Minute)
	views = p.Views()
	require.NotNil(t, views[0].CooldownUntil)
	assert.True(t, views[0].CooldownUntil.After(long))
}

func TestAuthErrorMarksCookiesExpired(t *testing.T) {
	clock := newFakeClock()
	rec := &notifierRecorder{}
	p := NewPool(makeAccounts(2), WithNow(clock.Now), WithNotifier(rec))

	p.MarkError("a1", 401, "unauthorized", "")

	assert.False(t, p.IsAvailable("a1", ""))
	assert.Equal(t, []string{"a1"}, rec.ids)

	// The cooldown lapsing is not enough: expired cookies keep the account
	// out of rotation until a refresh lands.
	clock.Advance(AuthErrorCooldown + time.Minute)
	assert.False(t, p.IsAvailable("a1", ""))

	p.MarkCookieRefreshed("a1")
	assert.True(t, p.IsAvailable("a1", ""))
}

func TestQuotaKindCooldownsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(makeAccounts(1), WithNow(clock.Now))

	p.MarkError("a1", 429, "image quota", QuotaImages)

	assert.False(t, p.IsAvailable("a1", QuotaImages))
	assert.True(t, p.IsAvailable("a1", QuotaVideos))
	assert.True(t, p.IsAvailable("a1", QuotaText))
	assert.True(t, p.IsAvailable("a1", ""))

	// Selection for the exhausted kind fails, others succeed.
	_, err := p.Next(QuotaImages)
	var noAvail *NoAvailableError
	require.ErrorAs(t, err, &noAvail)
	_, err = p.Next(QuotaVideos)
	require.NoError(t, err)
}

func TestQuotaCooldownClearsAtPTMidnight(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(makeAccounts(1), WithNow(clock.Now))

	p.MarkError("a1", 429, "video quota", QuotaVideos)
	assert.False(t, p.IsAvailable("a1", QuotaVideos))

	// 2025-06-01 12:00 UTC is 05:00 Pacific; the next Pacific midnight is
	// 19 hours out. Just before it the cooldown still holds.
	clock.Advance(18 * time.Hour)
	assert.False(t, p.IsAvailable("a1", QuotaVideos))

	clock.Advance(2 * time.Hour)
	assert.True(t, p.IsAvailable("a1", QuotaVideos))
}

func TestBareRateLimitCoolsWholeAccount(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(makeAccounts(1), WithNow(clock.Now))

	p.MarkError("a1", 429, "rate limited", "")
	assert.False(t, p.IsAvailable("a1", ""))

	clock.Advance(RateLimitCooldown + time.Second)
	assert.True(t, p.IsAvailable("a1", ""))
}

func TestErrorRingBounded(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(makeAccounts(1), WithNow(clock.Now))

	for i := 0; i < 12; i++ {
		p.MarkError("a1", 500, fmt.Sprintf("error %d", i), "")
	}
	views := p.Views()
	require.Len(t, views[0].RecentErrors, errorRingCap)
	// Newest entries win.
	assert.Equal(t, "error 11", views[0].RecentErrors[errorRingCap-1].Detail)
	assert.Equal(t, "error 7", views[0].RecentErrors[0].Detail)
}

func TestNoAvailableCarriesRetryHint(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(makeAccounts(2), WithNow(clock.Now))

	p.MarkCooldown("a1", "slow", 10*time.Minute)
	p.MarkCooldown("a2", "slower", 20*time.Minute)

	_, err := p.Next("")
	var noAvail *NoAvailableError
	require.ErrorAs(t, err, &noAvail)
	assert.Equal(t, 10*time.Minute, noAvail.RetryAfter)
}

func TestAccountWideCooldownDropsJWTAndSession(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(makeAccounts(1), WithNow(clock.Now))

	p.SetJWT("a1", "token")
	p.SetSession("a1", "sessions/s1")

	p.MarkError("a1", 503, "unavailable", "")

	jwt, _ := p.JWT("a1")
	assert.Empty(t, jwt)
	_, ok := p.SessionForUse("a1", 50, 12*time.Hour)
	assert.False(t, ok)
}

func TestQuotaCooldownKeepsJWTAndSession(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(makeAccounts(1), WithNow(clock.Now))

	p.SetJWT("a1", "token")
	p.SetSession("a1", "sessions/s1")

	p.MarkError("a1", 429, "image quota", QuotaImages)

	jwt, _ := p.JWT("a1")
	assert.Equal(t, "token", jwt)
	session, ok := p.SessionForUse("a1", 50, 12*time.Hour)
	assert.True(t, ok)
	assert.Equal(t, "sessions/s1", session)
}

func TestSessionUseCounting(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(makeAccounts(1), WithNow(clock.Now))

	_, ok := p.SessionForUse("a1", 3, time.Hour)
	assert.False(t, ok)

	p.SetSession("a1", "sessions/s1")
	for i := 0; i < 2; i++ {
		session, okUse := p.SessionForUse("a1", 3, time.Hour)
		require.True(t, okUse)
		assert.Equal(t, "sessions/s1", session)
	}
	// Use count is now 3; the next use requires rotation.
	_, ok = p.SessionForUse("a1", 3, time.Hour)
	assert.False(t, ok)
}

func TestPublishCookiesRestoresAccount(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(makeAccounts(1), WithNow(clock.Now))

	p.SetJWT("a1", "stale")
	p.MarkError("a1", 403, "forbidden", "")
	assert.False(t, p.IsAvailable("a1", ""))

	fresh := CookieTriple{SessionCookie: "new-ses", HostCookie: "new-oses", SessionIndex: "new-idx"}
	p.PublishCookies("a1", fresh)

	assert.True(t, p.IsAvailable("a1", ""))
	snap, ok := p.SnapshotByID("a1")
	require.True(t, ok)
	assert.Equal(t, fresh, snap.Cookies)
	jwt, _ := p.JWT("a1")
	assert.Empty(t, jwt)
}

func TestReplaceRebuildsRuntimeState(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(makeAccounts(2), WithNow(clock.Now))

	p.SetJWT("a1", "token")
	p.MarkCooldown("a2", "cooling", time.Hour)

	rows := makeAccounts(2)
	p.Replace(rows)

	jwt, _ := p.JWT("a1")
	assert.Empty(t, jwt)
	assert.True(t, p.IsAvailable("a2", ""))
}

func TestReplaceRestoresDurableFlags(t *testing.T) {
	clock := newFakeClock()
	p := NewPool(nil, WithNow(clock.Now))

	rows := makeAccounts(2)
	rows[0].CookieExpired = true
	rows[1].CooldownUntilUnix = float64(clock.Now().Add(time.Hour).Unix())
	p.Replace(rows)

	assert.False(t, p.IsAvailable("a1", ""))
	assert.False(t, p.IsAvailable("a2", ""))

	clock.Advance(2 * time.Hour)
	assert.False(t, p.IsAvailable("a1", ""))
	assert.True(t, p.IsAvailable("a2", ""))
}

func TestPersistHookReceivesRows(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var saved []Account
	p := NewPool(makeAccounts(1), WithNow(clock.Now), WithPersist(func(rows []Account) {
		mu.Lock()
		defer mu.Unlock()
		saved = rows
	}))

	p.MarkError("a1", 401, "unauthorized", "")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, saved, 1)
	assert.True(t, saved[0].CookieExpired)
	assert.Greater(t, saved[0].CooldownUntilUnix, float64(0))
}
