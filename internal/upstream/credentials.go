package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/BizGeminiAPI/internal/account"
)

// antiHijackPrefix guards the OXSRF endpoint's JSON body. It must be stripped
// before parsing.
var antiHijackPrefix = []byte(")]}'")

// AuthFailedError reports a cookie-to-JWT exchange that came back 2xx but
// without a usable token. The cookies are almost certainly expired.
type AuthFailedError struct {
	AccountID string
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("account %s: OXSRF exchange returned no token", e.AccountID)
}

// JWTFor returns a bearer token for the account that is younger than the JWT
// max age. A cached token within the age bound is returned as-is; otherwise
// one exchange runs per account and concurrent callers share its result.
func (c *Client) JWTFor(ctx context.Context, snap account.Snapshot) (string, error) {
	if jwt, ok := c.freshJWT(snap.ID); ok {
		return jwt, nil
	}
	v, err, _ := c.jwtFlights.Do(snap.ID, func() (any, error) {
		// A winner may have refreshed while this caller queued.
		if jwt, ok := c.freshJWT(snap.ID); ok {
			return jwt, nil
		}
		jwt, errFetch := c.fetchJWT(ctx, snap)
		if errFetch != nil {
			return nil, errFetch
		}
		c.pool.SetJWT(snap.ID, jwt)
		return jwt, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) freshJWT(accountID string) (string, bool) {
	jwt, fetchedAt := c.pool.JWT(accountID)
	if jwt == "" || c.now().Sub(fetchedAt) >= jwtMaxAge {
		return "", false
	}
	return jwt, true
}

// fetchJWT performs the cookie-to-JWT exchange against the OXSRF endpoint.
func (c *Client) fetchJWT(ctx context.Context, snap account.Snapshot) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	oxsrfURL := c.authBase + "/auth/getoxsrf?csesidx=" + url.QueryEscape(snap.Cookies.SessionIndex)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, oxsrfURL, nil)
	if err != nil {
		return "", err
	}
	userAgent := snap.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Referer", refererURL)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cookie", fmt.Sprintf("__Secure-C_SES=%s; __Host-C_OSES=%s", snap.Cookies.SessionCookie, snap.Cookies.HostCookie))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("OXSRF request: %w", err)
	}
	if err = c.checkResponse(resp, snap.ID, "", "OXSRF exchange"); err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read OXSRF response: %w", err)
	}
	body = bytes.TrimPrefix(body, antiHijackPrefix)
	body = bytes.TrimLeft(body, "\r\n")

	jwt := gjson.GetBytes(body, "keyId").String()
	if jwt == "" {
		log.Warnf("OXSRF exchange for account %s returned 2xx without keyId", snap.ID)
		c.pool.MarkCooldown(snap.ID, "OXSRF exchange returned no token", account.AuthErrorCooldown)
		return "", &AuthFailedError{AccountID: snap.ID}
	}
	return jwt, nil
}
