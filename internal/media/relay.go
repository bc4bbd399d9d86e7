package media

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/BizGeminiAPI/internal/config"
	"github.com/router-for-me/BizGeminiAPI/internal/util"
)

// Relay turns generated media bytes into a URL a chat client can fetch.
// External-host mode engages only when both the upload endpoint and its API
// token are configured; otherwise bytes land in the local cache and the URL
// points back at this gateway.
type Relay struct {
	cache      *Cache
	httpClient *http.Client

	// localBase prefixes gateway-served cache URLs. Empty means the links
	// are host-relative.
	localBase string

	// externalBase absolutizes relative paths returned by the upload host.
	// It falls back to the upload endpoint root when no base is configured.
	externalBase string

	external       bool
	uploadEndpoint string
	uploadToken    string
}

// NewRelay builds a relay over the local cache and the configured external
// host, if any.
func NewRelay(cfg *config.Config, cache *Cache) *Relay {
	externalBase := strings.TrimRight(cfg.ImageBaseURL, "/")
	if externalBase == "" {
		externalBase = strings.TrimSuffix(strings.TrimRight(cfg.UploadEndpoint, "/"), "/upload")
	}
	return &Relay{
		cache:          cache,
		httpClient:     util.SetProxy(cfg.ProxyURL, &http.Client{Timeout: 120 * time.Second}),
		localBase:      strings.TrimRight(cfg.ImageBaseURL, "/"),
		externalBase:   externalBase,
		external:       cfg.ExternalHostConfigured(),
		uploadEndpoint: cfg.UploadEndpoint,
		uploadToken:    cfg.UploadAPIToken,
	}
}

// Publish stores the media and returns its public URL. Bytes are spooled
// into the local cache first, so nothing is held in memory and an external
// upload failure falls back to the local URL without rereading the source.
func (r *Relay) Publish(ctx context.Context, kind Kind, mimeType string, filename string, content io.Reader) (string, error) {
	name, err := r.cache.Store(kind, mimeType, content)
	if err != nil {
		return "", err
	}
	if r.external {
		if filename == "" {
			filename = name
		}
		uploadedURL, errUpload := r.uploadExternal(ctx, kind, name, filename, mimeType)
		if errUpload == nil {
			return uploadedURL, nil
		}
		log.Warnf("external media upload failed, serving from local cache: %v", errUpload)
	}
	return fmt.Sprintf("%s/%s/%s", r.localBase, kind, name), nil
}

var filenameEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// uploadExternal streams the cached file to the upload host as multipart
// form data, keeping the suggested filename and MIME type on the part.
func (r *Relay) uploadExternal(ctx context.Context, kind Kind, cacheName string, filename string, mimeType string) (string, error) {
	f, err := r.cache.Open(kind, cacheName)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="file"; filename="%s"`, filenameEscaper.Replace(filename)))
		header.Set("Content-Type", mimeType)
		part, errPart := mw.CreatePart(header)
		if errPart == nil {
			_, errPart = io.Copy(part, f)
		}
		if errPart == nil {
			errPart = mw.Close()
		}
		pw.CloseWithError(errPart)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.uploadEndpoint, pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+r.uploadToken)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload returned HTTP %d", resp.StatusCode)
	}

	uploadedURL := gjson.GetBytes(body, "url").String()
	if uploadedURL == "" {
		uploadedURL = gjson.GetBytes(body, "data.url").String()
	}
	if uploadedURL == "" {
		return "", fmt.Errorf("upload response missing url")
	}
	if !strings.HasPrefix(uploadedURL, "http://") && !strings.HasPrefix(uploadedURL, "https://") {
		uploadedURL = r.externalBase + "/" + strings.TrimLeft(uploadedURL, "/")
	}
	return uploadedURL, nil
}
