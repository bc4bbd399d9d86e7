// Package upstream implements the HTTP client for the enterprise assist
// service: cookie-to-JWT exchange, conversation session lifecycle, the
// streaming assist call, context-file upload, and media download. Every
// non-2xx upstream response is classified into a pool cooldown exactly once
// before the error surfaces to callers.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/router-for-me/BizGeminiAPI/internal/account"
	"github.com/router-for-me/BizGeminiAPI/internal/config"
	"github.com/router-for-me/BizGeminiAPI/internal/util"
)

const (
	defaultAPIBase  = "https://biz-discoveryengine.googleapis.com/v1alpha/locations/global"
	defaultAuthBase = "https://business.gemini.google"

	originURL  = "https://business.gemini.google"
	refererURL = "https://business.gemini.google/"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"

	// jwtMaxAge bounds how old a cached bearer token may be at issue time.
	jwtMaxAge = 240 * time.Second

	// Session rotation limits: whichever trips first forces a new session.
	sessionMaxUses = 50
	sessionMaxAge  = 12 * time.Hour

	// callTimeout caps JWT fetch, session create, upload, and metadata calls.
	callTimeout = 60 * time.Second

	// streamTimeout caps the streaming assist call end to end.
	streamTimeout = 300 * time.Second
)

// StatusError is an upstream failure that carries the HTTP status code. The
// pool cooldown for it has already been applied when callers see it. On a 429
// QuotaKind names the exhausted quota dimension, when the call had one.
type StatusError struct {
	StatusCode int
	Detail     string
	QuotaKind  account.QuotaKind
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("upstream HTTP %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("upstream HTTP %d", e.StatusCode)
}

// Client talks to the upstream assist service on behalf of pool accounts.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	pool         *account.Pool

	apiBase  string
	authBase string

	now func() time.Time

	jwtFlights     singleflight.Group
	sessionFlights singleflight.Group

	// metaCache memoizes list-session-file-metadata per chat turn.
	metaCache *gocache.Cache
}

// ClientOption customizes upstream client construction.
type ClientOption func(*Client)

// WithAPIBase overrides the assist API base URL.
func WithAPIBase(base string) ClientOption {
	return func(c *Client) { c.apiBase = base }
}

// WithAuthBase overrides the OXSRF auth base URL.
func WithAuthBase(base string) ClientOption {
	return func(c *Client) { c.authBase = base }
}

// WithNow injects the time source used for JWT freshness checks.
func WithNow(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient builds an upstream client using the configured outbound proxy.
func NewClient(cfg *config.Config, pool *account.Pool, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:   util.SetProxy(cfg.ProxyURL, &http.Client{Timeout: callTimeout}),
		streamClient: util.SetProxy(cfg.ProxyURL, &http.Client{}),
		pool:         pool,
		apiBase:      defaultAPIBase,
		authBase:     defaultAuthBase,
		now:          time.Now,
		metaCache:    gocache.New(time.Minute, 5*time.Minute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// headers returns the browser-shaped header set sent on every assist call.
func headers(jwt string, userAgent string) http.Header {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	h := http.Header{}
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	h.Set("Authorization", "Bearer "+jwt)
	h.Set("Content-Type", "application/json")
	h.Set("Origin", originURL)
	h.Set("Referer", refererURL)
	h.Set("User-Agent", userAgent)
	h.Set("x-server-timeout", "1800")
	return h
}

// checkResponse classifies a non-2xx response into a pool cooldown and
// returns the matching StatusError. The body prefix (not the full body) is
// retained for the account's error ring.
func (c *Client) checkResponse(resp *http.Response, accountID string, kind account.QuotaKind, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	prefix := make([]byte, 200)
	n, _ := io.ReadFull(resp.Body, prefix)
	_ = resp.Body.Close()
	detail := string(bytes.ToValidUTF8(prefix[:n], nil))
	log.Debugf("%s failed for account %s: HTTP %d %s", op, accountID, resp.StatusCode, detail)
	c.pool.MarkError(accountID, resp.StatusCode, detail, kind)
	statusErr := &StatusError{StatusCode: resp.StatusCode, Detail: detail}
	if resp.StatusCode == http.StatusTooManyRequests {
		statusErr.QuotaKind = kind
	}
	return statusErr
}

func (c *Client) postJSON(ctx context.Context, rawURL string, jwt string, userAgent string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header = headers(jwt, userAgent)
	return c.httpClient.Do(req)
}

// CreateSession creates a fresh upstream conversation session and returns its
// opaque name.
func (c *Client) CreateSession(ctx context.Context, snap account.Snapshot, jwt string, displayName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body := map[string]any{
		"configId":         snap.ConfigID,
		"additionalParams": map[string]any{"token": "-"},
		"createSessionRequest": map[string]any{
			"session": map[string]any{"name": displayName, "displayName": displayName},
		},
	}
	resp, err := c.postJSON(ctx, c.apiBase+"/widgetCreateSession", jwt, snap.UserAgent, body)
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	if err = c.checkResponse(resp, snap.ID, "", "create session"); err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Session struct {
			Name string `json:"name"`
		} `json:"session"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode create session response: %w", err)
	}
	if out.Session.Name == "" {
		return "", fmt.Errorf("create session response missing session name")
	}
	return out.Session.Name, nil
}

// AssistRequest carries the per-turn parameters of a streaming assist call.
type AssistRequest struct {
	Query        string
	FileIDs      []string
	ToolsSpec    map[string]any
	ModelID      string
	LanguageCode string
	TimeZone     string
}

// StreamAssist issues the streaming assist POST and returns the raw response
// body. The caller owns the body and feeds it to a StreamDecoder. The request
// is capped at the stream timeout; cancel the context to abort mid-stream.
func (c *Client) StreamAssist(ctx context.Context, snap account.Snapshot, jwt string, session string, kind account.QuotaKind, req AssistRequest) (io.ReadCloser, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, streamTimeout)

	assist := map[string]any{
		"session":              session,
		"query":                map[string]any{"parts": []map[string]any{{"text": req.Query}}},
		"filter":               "",
		"fileIds":              append([]string{}, req.FileIDs...),
		"answerGenerationMode": "NORMAL",
		"toolsSpec":            req.ToolsSpec,
		"languageCode":         req.LanguageCode,
		"userMetadata":         map[string]any{"timeZone": req.TimeZone},
		"assistSkippingMode":   "REQUEST_ASSIST",
	}
	if req.ModelID != "" {
		assist["assistGenerationConfig"] = map[string]any{"modelId": req.ModelID}
	}
	body := map[string]any{
		"configId":            snap.ConfigID,
		"additionalParams":    map[string]any{"token": "-"},
		"streamAssistRequest": assist,
	}

	resp, err := c.postJSON(ctx, c.apiBase+"/widgetStreamAssist", jwt, snap.UserAgent, body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("stream assist request: %w", err)
	}
	if err = c.checkResponse(resp, snap.ID, kind, "stream assist"); err != nil {
		cancel()
		return nil, nil, err
	}
	return resp.Body, cancel, nil
}

// AddContextFile uploads a client-supplied file into the session and returns
// the upstream file id.
func (c *Client) AddContextFile(ctx context.Context, snap account.Snapshot, jwt string, session string, fileName string, mimeType string, contentsBase64 string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body := map[string]any{
		"addContextFileRequest": map[string]any{
			"fileContents": contentsBase64,
			"fileName":     fileName,
			"mimeType":     mimeType,
			"name":         session,
		},
		"additionalParams": map[string]any{"token": "-"},
		"configId":         snap.ConfigID,
	}
	resp, err := c.postJSON(ctx, c.apiBase+"/widgetAddContextFile", jwt, snap.UserAgent, body)
	if err != nil {
		return "", fmt.Errorf("add context file request: %w", err)
	}
	if err = c.checkResponse(resp, snap.ID, "", "add context file"); err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		AddContextFileResponse struct {
			FileID string `json:"fileId"`
		} `json:"addContextFileResponse"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode add context file response: %w", err)
	}
	if out.AddContextFileResponse.FileID == "" {
		return "", fmt.Errorf("add context file response missing fileId")
	}
	return out.AddContextFileResponse.FileID, nil
}

// FileMetadata describes one session file as reported by the upstream.
type FileMetadata struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Session  string `json:"session"`
}

// SessionFileMetadata returns the per-file metadata of a session, memoized
// briefly so one chat turn issues at most one metadata call.
func (c *Client) SessionFileMetadata(ctx context.Context, snap account.Snapshot, jwt string, session string) (map[string]FileMetadata, error) {
	if cached, ok := c.metaCache.Get(session); ok {
		return cached.(map[string]FileMetadata), nil
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body := map[string]any{
		"configId":         snap.ConfigID,
		"additionalParams": map[string]any{"token": "-"},
		"listSessionFileMetadataRequest": map[string]any{
			"name": session,
		},
	}
	resp, err := c.postJSON(ctx, c.apiBase+"/widgetListSessionFileMetadata", jwt, snap.UserAgent, body)
	if err != nil {
		return nil, fmt.Errorf("list session file metadata request: %w", err)
	}
	if err = c.checkResponse(resp, snap.ID, "", "list session file metadata"); err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		ListSessionFileMetadataResponse struct {
			FileMetadata []FileMetadata `json:"fileMetadata"`
		} `json:"listSessionFileMetadataResponse"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode file metadata response: %w", err)
	}
	meta := make(map[string]FileMetadata, len(out.ListSessionFileMetadataResponse.FileMetadata))
	for _, fm := range out.ListSessionFileMetadataResponse.FileMetadata {
		meta[fm.FileID] = fm
	}
	c.metaCache.SetDefault(session, meta)
	return meta, nil
}

// DownloadFile streams the raw bytes of a generated file. The caller must
// close the returned body; it is never buffered in memory here.
func (c *Client) DownloadFile(ctx context.Context, snap account.Snapshot, jwt string, sessionPath string, fileID string) (io.ReadCloser, error) {
	downloadURL := fmt.Sprintf("%s/%s:downloadFile?fileId=%s&alt=media", c.downloadBase(), sessionPath, url.QueryEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header = headers(jwt, snap.UserAgent)
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file request: %w", err)
	}
	if err = c.checkResponse(resp, snap.ID, "", "download file"); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// downloadBase strips the locations/global suffix: download paths already
// carry the full session resource name.
func (c *Client) downloadBase() string {
	const suffix = "/locations/global"
	base := c.apiBase
	if len(base) > len(suffix) && base[len(base)-len(suffix):] == suffix {
		return base[:len(base)-len(suffix)]
	}
	return base
}
