package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/BizGeminiAPI/internal/account"
	"github.com/router-for-me/BizGeminiAPI/internal/config"
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

func testAccount(id string) *account.Account {
	return &account.Account{
		ID:       id,
		ConfigID: "cfg-" + id,
		Enabled:  true,
		Cookies: account.CookieTriple{
			SessionCookie: "ses-" + id,
			HostCookie:    "oses-" + id,
			SessionIndex:  "idx-" + id,
		},
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, clock *fakeClock, accounts ...*account.Account) (*Client, *account.Pool) {
	t.Helper()
	pool := account.NewPool(accounts, account.WithNow(clock.Now))
	c := NewClient(&config.Config{}, pool,
		WithAPIBase(srv.URL+"/v1alpha/locations/global"),
		WithAuthBase(srv.URL),
		WithNow(clock.Now))
	return c, pool
}

func TestJWTExchangeStripsAntiHijackPrefix(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/getoxsrf", r.URL.Path)
		assert.Equal(t, "idx-a1", r.URL.Query().Get("csesidx"))
		assert.Contains(t, r.Header.Get("Cookie"), "__Secure-C_SES=ses-a1")
		assert.Contains(t, r.Header.Get("Cookie"), "__Host-C_OSES=oses-a1")
		calls.Add(1)
		fmt.Fprint(w, ")]}'\n{\"keyId\":\"jwt-token-1\"}")
	}))
	defer srv.Close()

	clock := newFakeClock()
	c, _ := newTestClient(t, srv, clock, testAccount("a1"))
	snap, err := c.pool.Next("")
	require.NoError(t, err)

	jwt, err := c.JWTFor(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, "jwt-token-1", jwt)
	assert.Equal(t, int32(1), calls.Load())

	// Within the age bound the cached token is reused without a new exchange.
	clock.Advance(239 * time.Second)
	jwt, err = c.JWTFor(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, "jwt-token-1", jwt)
	assert.Equal(t, int32(1), calls.Load())

	// Past the bound a fresh exchange runs.
	clock.Advance(2 * time.Second)
	_, err = c.JWTFor(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestJWTExchangeSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		fmt.Fprint(w, ")]}'\n{\"keyId\":\"shared-jwt\"}")
	}))
	defer srv.Close()

	clock := newFakeClock()
	c, _ := newTestClient(t, srv, clock, testAccount("a1"))
	snap, err := c.pool.Next("")
	require.NoError(t, err)

	const concurrent = 8
	var wg sync.WaitGroup
	results := make([]string, concurrent)
	errs := make([]error, concurrent)
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.JWTFor(context.Background(), snap)
		}(i)
	}
	// Give the goroutines time to pile onto the in-flight exchange.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < concurrent; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared-jwt", results[i])
	}
}

func TestJWTExchangeMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ")]}'\n{}")
	}))
	defer srv.Close()

	clock := newFakeClock()
	c, pool := newTestClient(t, srv, clock, testAccount("a1"))
	snap, err := pool.Next("")
	require.NoError(t, err)

	_, err = c.JWTFor(context.Background(), snap)
	var authErr *AuthFailedError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "a1", authErr.AccountID)
	assert.False(t, pool.IsAvailable("a1", ""))
}

func TestSessionRotationAfterMaxUses(t *testing.T) {
	var creates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/getoxsrf":
			fmt.Fprint(w, ")]}'\n{\"keyId\":\"jwt\"}")
		case "/v1alpha/locations/global/widgetCreateSession":
			n := creates.Add(1)
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "cfg-a1", body["configId"])
			fmt.Fprintf(w, `{"session":{"name":"projects/p/sessions/s%d"}}`, n)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	clock := newFakeClock()
	c, pool := newTestClient(t, srv, clock, testAccount("a1"))
	snap, err := pool.Next("")
	require.NoError(t, err)
	jwt, err := c.JWTFor(context.Background(), snap)
	require.NoError(t, err)

	first, err := c.SessionFor(context.Background(), snap, jwt)
	require.NoError(t, err)
	assert.Equal(t, "projects/p/sessions/s1", first)

	// Uses 2 through 50 keep the same session.
	for i := 2; i <= 50; i++ {
		session, errUse := c.SessionFor(context.Background(), snap, jwt)
		require.NoError(t, errUse)
		assert.Equal(t, first, session)
	}
	assert.Equal(t, int32(1), creates.Load())

	// Use 51 rotates.
	session, err := c.SessionFor(context.Background(), snap, jwt)
	require.NoError(t, err)
	assert.Equal(t, "projects/p/sessions/s2", session)
	assert.Equal(t, int32(2), creates.Load())
}

func TestSessionRotationAfterMaxAge(t *testing.T) {
	var creates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/getoxsrf":
			fmt.Fprint(w, ")]}'\n{\"keyId\":\"jwt\"}")
		case "/v1alpha/locations/global/widgetCreateSession":
			fmt.Fprintf(w, `{"session":{"name":"sessions/s%d"}}`, creates.Add(1))
		}
	}))
	defer srv.Close()

	clock := newFakeClock()
	c, pool := newTestClient(t, srv, clock, testAccount("a1"))
	snap, err := pool.Next("")
	require.NoError(t, err)
	jwt, err := c.JWTFor(context.Background(), snap)
	require.NoError(t, err)

	first, err := c.SessionFor(context.Background(), snap, jwt)
	require.NoError(t, err)

	clock.Advance(12*time.Hour + time.Minute)
	second, err := c.SessionFor(context.Background(), snap, jwt)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), creates.Load())
}

func TestStreamAssistErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":429,"message":"quota exceeded"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	clock := newFakeClock()
	c, pool := newTestClient(t, srv, clock, testAccount("a1"))
	snap, err := pool.Next(account.QuotaImages)
	require.NoError(t, err)

	_, _, err = c.StreamAssist(context.Background(), snap, "jwt", "sessions/s1", account.QuotaImages, AssistRequest{Query: "hi"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Equal(t, account.QuotaImages, statusErr.QuotaKind)

	// The image quota is exhausted for the day, other kinds stay open.
	assert.False(t, pool.IsAvailable("a1", account.QuotaImages))
	assert.True(t, pool.IsAvailable("a1", account.QuotaVideos))
	assert.True(t, pool.IsAvailable("a1", account.QuotaText))
}

func TestStreamAssistRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1alpha/locations/global/widgetStreamAssist", r.URL.Path)
		assert.Equal(t, "Bearer jwt", r.Header.Get("Authorization"))
		assert.Equal(t, "1800", r.Header.Get("x-server-timeout"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		raw, _ := json.Marshal(body)
		assert.Equal(t, "hello", gjson.GetBytes(raw, "streamAssistRequest.query.parts.0.text").String())
		assert.Equal(t, "sessions/s1", gjson.GetBytes(raw, "streamAssistRequest.session").String())
		assert.Equal(t, "zh-CN", gjson.GetBytes(raw, "streamAssistRequest.languageCode").String())
		assert.Equal(t, "gemini-image", gjson.GetBytes(raw, "streamAssistRequest.assistGenerationConfig.modelId").String())
		assert.True(t, gjson.GetBytes(raw, "streamAssistRequest.toolsSpec.imageGenerationSpec").Exists())

		fmt.Fprint(w, `[{"answer":{"state":"SUCCEEDED"}}]`)
	}))
	defer srv.Close()

	clock := newFakeClock()
	c, pool := newTestClient(t, srv, clock, testAccount("a1"))
	snap, err := pool.Next("")
	require.NoError(t, err)

	body, cancel, err := c.StreamAssist(context.Background(), snap, "jwt", "sessions/s1", account.QuotaImages, AssistRequest{
		Query:        "hello",
		ToolsSpec:    map[string]any{"imageGenerationSpec": map[string]any{}},
		ModelID:      "gemini-image",
		LanguageCode: "zh-CN",
		TimeZone:     "Etc/GMT-8",
	})
	require.NoError(t, err)
	defer cancel()
	defer func() { _ = body.Close() }()

	var d StreamDecoder
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	elems, err := d.Feed(raw)
	require.NoError(t, err)
	require.Len(t, elems, 1)
}

func TestDownloadBaseStripsLocationSuffix(t *testing.T) {
	c := NewClient(&config.Config{}, account.NewPool(nil), WithAPIBase("https://example.com/v1alpha/locations/global"))
	assert.Equal(t, "https://example.com/v1alpha", c.downloadBase())
}
