// Package account holds the upstream account pool: durable account rows, the
// per-account runtime state, round-robin selection, and the cooldown state
// machine driven by upstream HTTP status codes.
package account

import (
	"fmt"
	"time"
)

// QuotaKind tags a request with the upstream quota dimension it consumes.
type QuotaKind string

const (
	QuotaImages QuotaKind = "images"
	QuotaVideos QuotaKind = "videos"
	QuotaText   QuotaKind = "text_queries"
)

// Cooldown durations applied by the passive error classifier.
const (
	AuthErrorCooldown    = 15 * time.Minute
	RateLimitCooldown    = 5 * time.Minute
	GenericErrorCooldown = 2 * time.Minute
)

// CookieTriple is the immutable cookie value set bound to one upstream
// identity. The cookie-refresh collaborator publishes whole triples; the pool
// never hands out partially updated cookies.
type CookieTriple struct {
	SessionCookie string `json:"secure_c_ses"`
	HostCookie    string `json:"host_c_oses"`
	SessionIndex  string `json:"csesidx"`
}

// Account is one durable upstream identity row. Rows are loaded from the
// accounts file and mutated only under the pool lock.
type Account struct {
	ID            string       `json:"id"`
	ConfigID      string       `json:"config_id"`
	Cookies       CookieTriple `json:"cookies"`
	UserAgent     string       `json:"user_agent,omitempty"`
	Enabled       bool         `json:"enabled"`
	TempMailURL   string       `json:"tempmail_url,omitempty"`
	TempMailName  string       `json:"tempmail_name,omitempty"`
	LastRefreshed string       `json:"last_refresh_time,omitempty"`

	// Operator-facing fields mirrored from runtime state on durable saves.
	CookieExpired     bool    `json:"cookie_expired,omitempty"`
	CooldownUntilUnix float64 `json:"cooldown_until,omitempty"`
	UnavailableReason string  `json:"unavailable_reason,omitempty"`
}

// ErrorRecord is one entry of the bounded per-account error ring.
type ErrorRecord struct {
	StatusCode int       `json:"status_code"`
	QuotaKind  QuotaKind `json:"quota_kind,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Time       time.Time `json:"time"`
}

// errorRingCap bounds the per-account error ring; newest entries last.
const errorRingCap = 5

// runtimeState is the transient per-account state. It is never persisted and
// is rebuilt to defaults whenever the account rows are (re)loaded.
type runtimeState struct {
	jwt          string
	jwtFetchedAt time.Time

	session          string
	sessionCreatedAt time.Time
	sessionUseCount  int

	cooldownUntil  time.Time
	cooldownReason string
	quotaCooldowns map[QuotaKind]time.Time

	cookieExpired bool
	errors        []ErrorRecord
}

// Snapshot is a read-only copy of the fields a request needs from an account.
// It is taken under the pool lock and safe to use without it.
type Snapshot struct {
	ID        string
	ConfigID  string
	Cookies   CookieTriple
	UserAgent string
}

// View is the operator-facing status of one account.
type View struct {
	ID                string                  `json:"id"`
	ConfigID          string                  `json:"config_id"`
	Enabled           bool                    `json:"enabled"`
	CookieExpired     bool                    `json:"cookie_expired"`
	Available         bool                    `json:"available"`
	CooldownUntil     *time.Time              `json:"cooldown_until,omitempty"`
	CooldownReason    string                  `json:"cooldown_reason,omitempty"`
	QuotaCooldowns    map[QuotaKind]time.Time `json:"quota_cooldowns,omitempty"`
	SessionUseCount   int                     `json:"session_use_count"`
	RecentErrors      []ErrorRecord           `json:"recent_errors,omitempty"`
	LastRefreshedTime string                  `json:"last_refresh_time,omitempty"`
}

// NoAvailableError reports that no account could serve the request. When some
// accounts are merely cooling, RetryAfter carries the shortest remaining
// cooldown for operator messages and Retry-After hints.
type NoAvailableError struct {
	RetryAfter time.Duration
}

func (e *NoAvailableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("no available account (retry in ~%ds)", int(e.RetryAfter.Seconds()))
	}
	return "no available account"
}

// RefreshNotifier is implemented by the cookie-refresh collaborator. The pool
// signals it whenever an account's cookies are detected as expired.
type RefreshNotifier interface {
	CookieExpired(accountID string)
}
