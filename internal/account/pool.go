package account

import (
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Pool owns the account rows and their runtime state. All state is guarded by
// one pool-wide mutex; long operations (network, disk) never run under it.
type Pool struct {
	mu       sync.Mutex
	accounts []*Account
	states   map[string]*runtimeState
	cursor   int

	now      func() time.Time
	notifier RefreshNotifier
	persist  func([]Account)
	ptLoc    *time.Location
}

// Option customizes pool construction.
type Option func(*Pool)

// WithNow injects the time source used for cooldown arithmetic and rotation.
func WithNow(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithNotifier registers the cookie-refresh collaborator signal hook.
func WithNotifier(n RefreshNotifier) Option {
	return func(p *Pool) { p.notifier = n }
}

// WithPersist registers the best-effort durable save hook. It is called
// outside the pool lock with a copy of the account rows.
func WithPersist(save func([]Account)) Option {
	return func(p *Pool) { p.persist = save }
}

// NewPool builds a pool over the given account rows. Runtime state starts at
// defaults for every account; nothing transient survives a restart.
func NewPool(accounts []*Account, opts ...Option) *Pool {
	p := &Pool{
		now:    time.Now,
		states: make(map[string]*runtimeState),
	}
	for _, opt := range opts {
		opt(p)
	}
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		// Fixed UTC-8 fallback mirrors hosts without tzdata; DST is lost.
		loc = time.FixedZone("PT", -8*3600)
		log.Warnf("load America/Los_Angeles failed, falling back to fixed UTC-8: %v", err)
	}
	p.ptLoc = loc
	p.Replace(accounts)
	return p
}

// Replace swaps the account rows, rebuilding runtime state to defaults.
// Durable flags (enabled, cookie_expired) come from the rows themselves.
func (p *Pool) Replace(accounts []*Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = accounts
	states := make(map[string]*runtimeState, len(accounts))
	for _, acc := range accounts {
		st := &runtimeState{quotaCooldowns: make(map[QuotaKind]time.Time)}
		st.cookieExpired = acc.CookieExpired
		if acc.CooldownUntilUnix > 0 {
			st.cooldownUntil = time.Unix(int64(acc.CooldownUntilUnix), 0)
			st.cooldownReason = acc.UnavailableReason
		}
		states[acc.ID] = st
	}
	p.states = states
	if p.cursor >= len(accounts) {
		p.cursor = 0
	}
}

// Next returns the next available account in round-robin order over the
// currently available subset. kind narrows availability to one quota
// dimension; an empty kind checks only whole-account availability.
func (p *Pool) Next(kind QuotaKind) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	available := make([]*Account, 0, len(p.accounts))
	for _, acc := range p.accounts {
		if p.isAvailableLocked(acc, kind, now) {
			available = append(available, acc)
		}
	}
	if len(available) == 0 {
		return Snapshot{}, &NoAvailableError{RetryAfter: p.shortestCooldownLocked(now)}
	}

	acc := available[p.cursor%len(available)]
	p.cursor++
	if p.cursor >= 1<<30 {
		p.cursor = 0
	}
	return snapshotOf(acc), nil
}

// IsAvailable reports the availability predicate for one account.
func (p *Pool) IsAvailable(id string, kind QuotaKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc := p.findLocked(id)
	if acc == nil {
		return false
	}
	return p.isAvailableLocked(acc, kind, p.now())
}

func (p *Pool) isAvailableLocked(acc *Account, kind QuotaKind, now time.Time) bool {
	st := p.states[acc.ID]
	if st == nil || !acc.Enabled || st.cookieExpired {
		return false
	}
	if now.Before(st.cooldownUntil) {
		return false
	}
	if kind != "" {
		if until, ok := st.quotaCooldowns[kind]; ok && now.Before(until) {
			return false
		}
	}
	return true
}

// shortestCooldownLocked returns the smallest remaining cooldown among
// enabled, non-expired accounts, or zero when none is merely cooling.
func (p *Pool) shortestCooldownLocked(now time.Time) time.Duration {
	var shortest time.Duration
	for _, acc := range p.accounts {
		st := p.states[acc.ID]
		if st == nil || !acc.Enabled || st.cookieExpired {
			continue
		}
		candidates := make([]time.Time, 0, 1+len(st.quotaCooldowns))
		if st.cooldownUntil.After(now) {
			candidates = append(candidates, st.cooldownUntil)
		}
		for _, until := range st.quotaCooldowns {
			if until.After(now) {
				candidates = append(candidates, until)
			}
		}
		for _, until := range candidates {
			remaining := until.Sub(now)
			if shortest == 0 || remaining < shortest {
				shortest = remaining
			}
		}
	}
	return shortest
}

// MarkError classifies an upstream HTTP status and applies the matching
// cooldown. 401/403 cool the whole account for 15 minutes and flag the
// cookies as expired; 429 with a quota kind cools only that kind until the
// next Pacific midnight; bare 429 cools the account for 5 minutes; anything
// else gets the generic 2-minute cooldown. Account-wide cooldowns drop the
// cached JWT and session; per-kind quota cooldowns keep them.
func (p *Pool) MarkError(id string, statusCode int, detail string, kind QuotaKind) {
	p.mu.Lock()
	acc := p.findLocked(id)
	if acc == nil {
		p.mu.Unlock()
		return
	}
	st := p.states[id]
	now := p.now()

	p.pushErrorLocked(st, statusCode, detail, kind, now)

	cookieExpired := false
	switch {
	case statusCode == 401 || statusCode == 403:
		p.extendCooldownLocked(acc, st, now, AuthErrorCooldown, reasonFor(statusCode, detail, ""))
		st.cookieExpired = true
		acc.CookieExpired = true
		st.jwt = ""
		st.jwtFetchedAt = time.Time{}
		st.session = ""
		cookieExpired = true
		log.Warnf("account %s auth error (HTTP %d), cookies marked expired", id, statusCode)
	case statusCode == 429 && kind != "":
		until := p.nextPTMidnight(now)
		if current, ok := st.quotaCooldowns[kind]; !ok || until.After(current) {
			st.quotaCooldowns[kind] = until
		}
		log.Warnf("account %s %s quota exhausted (HTTP 429), cooling until %s", id, kind, until.Format(time.RFC3339))
	case statusCode == 429:
		p.extendCooldownLocked(acc, st, now, RateLimitCooldown, reasonFor(statusCode, detail, ""))
		st.jwt = ""
		st.jwtFetchedAt = time.Time{}
		st.session = ""
		log.Warnf("account %s rate limited (HTTP 429), cooling %s", id, RateLimitCooldown)
	default:
		p.extendCooldownLocked(acc, st, now, GenericErrorCooldown, reasonFor(statusCode, detail, ""))
		st.jwt = ""
		st.jwtFetchedAt = time.Time{}
		st.session = ""
		log.Warnf("account %s upstream error (HTTP %d), cooling %s", id, statusCode, GenericErrorCooldown)
	}
	rows := p.copyRowsLocked()
	p.mu.Unlock()

	p.save(rows)
	if cookieExpired && p.notifier != nil {
		p.notifier.CookieExpired(id)
	}
}

// MarkCooldown applies an extend-only cooldown with an explicit duration.
func (p *Pool) MarkCooldown(id string, reason string, d time.Duration) {
	p.mu.Lock()
	acc := p.findLocked(id)
	if acc == nil {
		p.mu.Unlock()
		return
	}
	st := p.states[id]
	p.extendCooldownLocked(acc, st, p.now(), d, reason)
	st.jwt = ""
	st.jwtFetchedAt = time.Time{}
	st.session = ""
	rows := p.copyRowsLocked()
	p.mu.Unlock()
	p.save(rows)
	log.Warnf("account %s cooling %s: %s", id, d, reason)
}

// MarkUnavailable disables the account. Reasons that look like auth failures
// additionally flag the cookies as expired and signal the refresh collaborator.
func (p *Pool) MarkUnavailable(id string, reason string) {
	p.mu.Lock()
	acc := p.findLocked(id)
	if acc == nil {
		p.mu.Unlock()
		return
	}
	st := p.states[id]
	acc.Enabled = false
	acc.UnavailableReason = reason
	cookieExpired := false
	lower := strings.ToLower(reason)
	if strings.Contains(lower, "401") || strings.Contains(lower, "403") || strings.Contains(lower, "auth") {
		st.cookieExpired = true
		acc.CookieExpired = true
		cookieExpired = true
	}
	rows := p.copyRowsLocked()
	p.mu.Unlock()
	p.save(rows)
	log.Warnf("account %s marked unavailable: %s", id, reason)
	if cookieExpired && p.notifier != nil {
		p.notifier.CookieExpired(id)
	}
}

// MarkCookieRefreshed clears the expired flag and every cooldown, restoring
// the account to the ready state. Cached JWT and session are left to the
// refresh collaborator, which rebinds cookies via PublishCookies.
func (p *Pool) MarkCookieRefreshed(id string) {
	p.mu.Lock()
	acc := p.findLocked(id)
	if acc == nil {
		p.mu.Unlock()
		return
	}
	p.markCookieRefreshedLocked(acc)
	rows := p.copyRowsLocked()
	p.mu.Unlock()
	p.save(rows)
	log.Infof("account %s cookies refreshed, cooldowns cleared", id)
}

func (p *Pool) markCookieRefreshedLocked(acc *Account) {
	st := p.states[acc.ID]
	st.cookieExpired = false
	st.cooldownUntil = time.Time{}
	st.cooldownReason = ""
	st.quotaCooldowns = make(map[QuotaKind]time.Time)
	acc.Enabled = true
	acc.CookieExpired = false
	acc.CooldownUntilUnix = 0
	acc.UnavailableReason = ""
	acc.LastRefreshed = p.now().Format(time.RFC3339)
}

// PublishCookies rebinds a freshly refreshed cookie triple to the account and
// restores it to the ready state. The triple is stored by value; callers must
// not retain live browser state behind it.
func (p *Pool) PublishCookies(id string, cookies CookieTriple) {
	p.mu.Lock()
	acc := p.findLocked(id)
	if acc == nil {
		p.mu.Unlock()
		return
	}
	acc.Cookies = cookies
	st := p.states[id]
	st.jwt = ""
	st.jwtFetchedAt = time.Time{}
	st.session = ""
	p.markCookieRefreshedLocked(acc)
	rows := p.copyRowsLocked()
	p.mu.Unlock()
	p.save(rows)
	log.Infof("account %s cookie triple rebound", id)
}

// JWT returns the cached bearer token and its fetch time.
func (p *Pool) JWT(id string) (string, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil {
		return "", time.Time{}
	}
	return st.jwt, st.jwtFetchedAt
}

// SetJWT stores a freshly fetched bearer token. The session is untouched;
// only the rotation rules invalidate it.
func (p *Pool) SetJWT(id string, jwt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil {
		return
	}
	st.jwt = jwt
	st.jwtFetchedAt = p.now()
}

// SessionForUse returns the current session name and bumps its use count when
// the session is still within the rotation limits. ok is false when a new
// session must be created first.
func (p *Pool) SessionForUse(id string, maxUses int, maxAge time.Duration) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil || st.session == "" {
		return "", false
	}
	now := p.now()
	if st.sessionUseCount >= maxUses || now.Sub(st.sessionCreatedAt) >= maxAge {
		return "", false
	}
	st.sessionUseCount++
	return st.session, true
}

// SetSession replaces the account's session after a successful create.
func (p *Pool) SetSession(id string, session string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil {
		return
	}
	st.session = session
	st.sessionCreatedAt = p.now()
	st.sessionUseCount = 1
}

// SnapshotByID returns a copy of the request-facing account fields.
func (p *Pool) SnapshotByID(id string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc := p.findLocked(id)
	if acc == nil {
		return Snapshot{}, false
	}
	return snapshotOf(acc), true
}

// Views returns the operator-facing status of every account.
func (p *Pool) Views() []View {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	views := make([]View, 0, len(p.accounts))
	for _, acc := range p.accounts {
		st := p.states[acc.ID]
		v := View{
			ID:                acc.ID,
			ConfigID:          acc.ConfigID,
			Enabled:           acc.Enabled,
			CookieExpired:     st.cookieExpired,
			Available:         p.isAvailableLocked(acc, "", now),
			CooldownReason:    st.cooldownReason,
			SessionUseCount:   st.sessionUseCount,
			LastRefreshedTime: acc.LastRefreshed,
		}
		if st.cooldownUntil.After(now) {
			until := st.cooldownUntil
			v.CooldownUntil = &until
		}
		if len(st.quotaCooldowns) > 0 {
			v.QuotaCooldowns = make(map[QuotaKind]time.Time, len(st.quotaCooldowns))
			for k, until := range st.quotaCooldowns {
				if until.After(now) {
					v.QuotaCooldowns[k] = until
				}
			}
		}
		if len(st.errors) > 0 {
			v.RecentErrors = append([]ErrorRecord(nil), st.errors...)
		}
		views = append(views, v)
	}
	return views
}

// Counts returns the total and currently available account counts.
func (p *Pool) Counts() (total int, available int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, acc := range p.accounts {
		total++
		if p.isAvailableLocked(acc, "", now) {
			available++
		}
	}
	return total, available
}

// extendCooldownLocked applies max(existing, now+d); cooldowns only grow.
func (p *Pool) extendCooldownLocked(acc *Account, st *runtimeState, now time.Time, d time.Duration, reason string) {
	proposed := now.Add(d)
	if proposed.Before(st.cooldownUntil) {
		return
	}
	st.cooldownUntil = proposed
	st.cooldownReason = reason
	acc.CooldownUntilUnix = float64(proposed.Unix())
	acc.UnavailableReason = reason
}

func (p *Pool) pushErrorLocked(st *runtimeState, statusCode int, detail string, kind QuotaKind, now time.Time) {
	if len(detail) > 200 {
		detail = detail[:200]
	}
	st.errors = append(st.errors, ErrorRecord{
		StatusCode: statusCode,
		QuotaKind:  kind,
		Detail:     detail,
		Time:       now,
	})
	if len(st.errors) > errorRingCap {
		st.errors = st.errors[len(st.errors)-errorRingCap:]
	}
}

// nextPTMidnight returns the next 00:00:00 in America/Los_Angeles after now.
func (p *Pool) nextPTMidnight(now time.Time) time.Time {
	pt := now.In(p.ptLoc)
	next := time.Date(pt.Year(), pt.Month(), pt.Day(), 0, 0, 0, 0, p.ptLoc).AddDate(0, 0, 1)
	return next
}

func (p *Pool) findLocked(id string) *Account {
	for _, acc := range p.accounts {
		if acc.ID == id {
			return acc
		}
	}
	return nil
}

func (p *Pool) copyRowsLocked() []Account {
	if p.persist == nil {
		return nil
	}
	rows := make([]Account, len(p.accounts))
	for i, acc := range p.accounts {
		rows[i] = *acc
	}
	return rows
}

// save runs the durable persist hook outside the pool lock; failures are the
// hook's problem, selection never blocks on them.
func (p *Pool) save(rows []Account) {
	if p.persist == nil || rows == nil {
		return
	}
	p.persist(rows)
}

func snapshotOf(acc *Account) Snapshot {
	return Snapshot{
		ID:        acc.ID,
		ConfigID:  acc.ConfigID,
		Cookies:   acc.Cookies,
		UserAgent: acc.UserAgent,
	}
}

func reasonFor(statusCode int, detail string, kind QuotaKind) string {
	reason := fmt.Sprintf("upstream error (HTTP %d)", statusCode)
	if kind != "" {
		reason = fmt.Sprintf("%s quota error (HTTP %d)", kind, statusCode)
	}
	if detail != "" {
		if len(detail) > 100 {
			detail = detail[:100]
		}
		reason += ": " + detail
	}
	return reason
}
