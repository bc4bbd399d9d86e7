package chat

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/BizGeminiAPI/internal/account"
	"github.com/router-for-me/BizGeminiAPI/internal/config"
	"github.com/router-for-me/BizGeminiAPI/internal/media"
	"github.com/router-for-me/BizGeminiAPI/internal/upstream"
	"github.com/router-for-me/BizGeminiAPI/internal/util"
)

// noiseMarker is boilerplate the image generator injects into text replies.
const noiseMarker = "Image generated by Nano Banana Pro"

// maxUploadFetch bounds remote media fetched on the client's behalf.
const maxUploadFetch = 20 << 20

// MediaItem is one generated image or video already published to a URL.
type MediaItem struct {
	URL      string
	MIMEType string
	Video    bool
}

// Orchestrator drives one chat turn end to end: account selection, session
// acquisition, context upload, upstream streaming, reply filtering, and media
// relay.
type Orchestrator struct {
	cfg     *config.Config
	pool    *account.Pool
	client  *upstream.Client
	relay   *media.Relay
	fetcher *http.Client
	now     func() time.Time
}

// OrchestratorOption customizes orchestrator construction.
type OrchestratorOption func(*Orchestrator)

// WithNow injects the time source used for response timestamps.
func WithNow(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the orchestrator over its collaborators.
func NewOrchestrator(cfg *config.Config, pool *account.Pool, client *upstream.Client, relay *media.Relay, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		pool:    pool,
		client:  client,
		relay:   relay,
		fetcher: util.SetProxy(cfg.ProxyURL, &http.Client{Timeout: 60 * time.Second}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Turn is one in-flight chat turn with its upstream stream already open.
// Errors after this point are delivered in-band on the stream.
type Turn struct {
	o    *Orchestrator
	req  *Request
	snap account.Snapshot
	jwt  string

	session        string
	currentSession string

	body   io.ReadCloser
	cancel context.CancelFunc

	fileRefs []fileRef
}

type fileRef struct {
	id       string
	mimeType string
	name     string
}

// Begin selects an account and opens the upstream stream, re-selecting once
// when the first account fails before any bytes arrive. Only auth failures
// and transient upstream errors justify the re-selection; rate and quota
// limits surface immediately.
func (o *Orchestrator) Begin(ctx context.Context, req *Request) (*Turn, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		snap, err := o.pool.Next(req.QuotaKind)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		t, err := o.open(ctx, req, snap)
		if err == nil {
			return t, nil
		}
		if !retryableBeginError(err) {
			return nil, err
		}
		lastErr = err
		log.Warnf("chat turn on account %s failed before streaming, re-selecting: %v", snap.ID, err)
	}
	return nil, lastErr
}

// retryableBeginError reports whether a pre-stream failure may burn a second
// account: upstream auth failures, 5xx, and transport errors do; 429 and
// other client-class upstream responses do not.
func retryableBeginError(err error) bool {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized, statusErr.StatusCode == http.StatusForbidden:
			return true
		case statusErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	return true
}

func (o *Orchestrator) open(ctx context.Context, req *Request, snap account.Snapshot) (*Turn, error) {
	jwt, err := o.client.JWTFor(ctx, snap)
	if err != nil {
		return nil, err
	}
	session, err := o.client.SessionFor(ctx, snap, jwt)
	if err != nil {
		return nil, err
	}

	fileIDs := make([]string, 0, len(req.Uploads))
	for i, upload := range req.Uploads {
		name, mimeType, contents, errUpload := o.resolveUpload(ctx, upload, i)
		if errUpload != nil {
			return nil, errUpload
		}
		fileID, errUpload := o.client.AddContextFile(ctx, snap, jwt, session, name, mimeType, contents)
		if errUpload != nil {
			return nil, errUpload
		}
		fileIDs = append(fileIDs, fileID)
	}

	body, cancel, err := o.client.StreamAssist(ctx, snap, jwt, session, req.QuotaKind, upstream.AssistRequest{
		Query:        req.Prompt,
		FileIDs:      fileIDs,
		ToolsSpec:    req.ToolsSpec,
		ModelID:      req.UpstreamModelID,
		LanguageCode: o.cfg.LanguageCode,
		TimeZone:     o.cfg.TimeZone,
	})
	if err != nil {
		return nil, err
	}
	return &Turn{
		o:              o,
		req:            req,
		snap:           snap,
		jwt:            jwt,
		session:        session,
		currentSession: session,
		body:           body,
		cancel:         cancel,
	}, nil
}

// resolveUpload turns an Upload into the name, MIME type, and base64 payload
// the context-file call wants, fetching remote sources when needed.
func (o *Orchestrator) resolveUpload(ctx context.Context, u Upload, idx int) (string, string, string, error) {
	mimeType := u.MIMEType
	contents := u.ContentBase64

	if u.SourceURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.SourceURL, nil)
		if err != nil {
			return "", "", "", err
		}
		resp, err := o.fetcher.Do(req)
		if err != nil {
			return "", "", "", fmt.Errorf("fetch media url: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", "", "", fmt.Errorf("fetch media url: HTTP %d", resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxUploadFetch))
		if err != nil {
			return "", "", "", fmt.Errorf("read media url: %w", err)
		}
		contents = base64.StdEncoding.EncodeToString(data)
		if mimeType == "" {
			mimeType = resp.Header.Get("Content-Type")
		}
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	name := u.Name
	if name == "" {
		name = fmt.Sprintf("upload-%d%s", idx+1, media.ExtensionForMIME(mimeType))
	}
	return name, mimeType, contents, nil
}

// Close releases the upstream stream.
func (t *Turn) Close() {
	if t.body != nil {
		_ = t.body.Close()
	}
	if t.cancel != nil {
		t.cancel()
	}
}

// Run consumes the upstream stream, forwarding filtered text to onText and
// published media to onMedia. Generated files referenced by id are resolved
// after the text stream ends.
func (t *Turn) Run(ctx context.Context, onText func(string), onMedia func(MediaItem)) error {
	var decoder upstream.StreamDecoder
	buf := make([]byte, 4096)
	for {
		n, err := t.body.Read(buf)
		if n > 0 {
			elems, errFeed := decoder.Feed(buf[:n])
			if errFeed != nil {
				return errFeed
			}
			for _, elem := range elems {
				t.handleElement(ctx, gjson.ParseBytes(elem), onText, onMedia)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read upstream stream: %w", err)
		}
	}
	t.resolveFileRefs(ctx, onMedia)
	return nil
}

// handleElement processes one stream element: session tracking, inline media
// capture, file references, and filtered text replies.
func (t *Turn) handleElement(ctx context.Context, elem gjson.Result, onText func(string), onMedia func(MediaItem)) {
	sar := elem.Get("streamAssistResponse")
	if !sar.Exists() {
		return
	}
	if session := sar.Get("sessionInfo.session").String(); session != "" {
		t.currentSession = session
	}

	for _, gen := range sar.Get("generatedImages").Array() {
		t.publishGenerated(ctx, gen, onMedia)
	}
	answer := sar.Get("answer")
	for _, gen := range answer.Get("generatedImages").Array() {
		t.publishGenerated(ctx, gen, onMedia)
	}

	for _, reply := range answer.Get("replies").Array() {
		for _, gen := range reply.Get("generatedImages").Array() {
			t.publishGenerated(ctx, gen, onMedia)
		}

		gc := reply.Get("groundedContent")
		content := gc.Get("content")

		if file := content.Get("file"); file.Get("fileId").String() != "" {
			ref := fileRef{
				id:       file.Get("fileId").String(),
				mimeType: file.Get("mimeType").String(),
				name:     file.Get("name").String(),
			}
			if ref.mimeType == "" {
				ref.mimeType = "image/png"
			}
			t.fileRefs = append(t.fileRefs, ref)
		}

		t.publishInlineData(ctx, content.Get("inlineData"), onMedia)
		t.publishInlineData(ctx, gc.Get("inlineData"), onMedia)
		for _, scope := range []gjson.Result{reply, gc, content} {
			for _, att := range scope.Get("attachments").Array() {
				t.publishAttachment(ctx, att, onMedia)
			}
		}

		text := content.Get("text").String()
		thought := reply.Get("thought").Bool() || content.Get("thought").Bool()
		if text == "" || thought || strings.HasPrefix(strings.TrimSpace(text), "**") {
			continue
		}
		if filtered := filterNoise(text); filtered != "" {
			onText(filtered)
		}
	}
}

// filterNoise drops generator boilerplate lines and bare code-fence markers.
func filterNoise(text string) string {
	if strings.Contains(text, noiseMarker) {
		lines := strings.Split(text, "\n")
		kept := lines[:0]
		for _, line := range lines {
			if !strings.Contains(line, noiseMarker) {
				kept = append(kept, line)
			}
		}
		text = strings.TrimSpace(strings.Join(kept, "\n"))
	}
	switch strings.TrimSpace(text) {
	case "```json", "```":
		return ""
	}
	return text
}

// publishGenerated relays one generatedImages entry carrying inline bytes.
func (t *Turn) publishGenerated(ctx context.Context, gen gjson.Result, onMedia func(MediaItem)) {
	image := gen.Get("image")
	t.publishBase64(ctx, image.Get("bytesBase64Encoded").String(), image.Get("mimeType").String(), onMedia)
}

// publishInlineData relays an inlineData blob from a reply.
func (t *Turn) publishInlineData(ctx context.Context, inline gjson.Result, onMedia func(MediaItem)) {
	if !inline.Exists() {
		return
	}
	t.publishBase64(ctx, inline.Get("data").String(), inline.Get("mimeType").String(), onMedia)
}

// publishAttachment relays an attachment blob when it is image or video.
func (t *Turn) publishAttachment(ctx context.Context, att gjson.Result, onMedia func(MediaItem)) {
	mimeType := att.Get("mimeType").String()
	if !strings.HasPrefix(mimeType, "image/") && !strings.HasPrefix(mimeType, "video/") {
		return
	}
	data := att.Get("data").String()
	if data == "" {
		data = att.Get("bytesBase64Encoded").String()
	}
	t.publishBase64(ctx, data, mimeType, onMedia)
}

func (t *Turn) publishBase64(ctx context.Context, b64 string, mimeType string, onMedia func(MediaItem)) {
	if b64 == "" {
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		log.Warnf("decode inline media failed: %v", err)
		return
	}
	if mimeType == "" {
		mimeType = "image/png"
	}
	isVideo := media.IsVideoMIME(mimeType)
	kind := media.KindImage
	if isVideo {
		kind = media.KindVideo
	}
	publishedURL, err := t.o.relay.Publish(ctx, kind, mimeType, "", bytes.NewReader(decoded))
	if err != nil {
		log.Errorf("publish inline media failed: %v", err)
		return
	}
	onMedia(MediaItem{URL: publishedURL, MIMEType: mimeType, Video: isVideo})
}

// resolveFileRefs downloads the files the stream referenced by id and
// publishes each one. Failures skip the file, never the turn.
func (t *Turn) resolveFileRefs(ctx context.Context, onMedia func(MediaItem)) {
	if len(t.fileRefs) == 0 {
		return
	}
	meta, err := t.o.client.SessionFileMetadata(ctx, t.snap, t.jwt, t.currentSession)
	if err != nil {
		log.Errorf("list session file metadata failed: %v", err)
		meta = nil
	}
	for _, ref := range t.fileRefs {
		sessionPath := t.currentSession
		mimeType := ref.mimeType
		name := ref.name
		if fm, ok := meta[ref.id]; ok {
			if fm.Session != "" {
				sessionPath = fm.Session
			}
			if fm.MimeType != "" {
				mimeType = fm.MimeType
			}
			if fm.Name != "" {
				name = fm.Name
			}
		}
		rc, errDL := t.o.client.DownloadFile(ctx, t.snap, t.jwt, sessionPath, ref.id)
		if errDL != nil {
			log.Errorf("download generated file %s failed: %v", ref.id, errDL)
			continue
		}
		isVideo := media.IsVideoMIME(mimeType)
		kind := media.KindImage
		if isVideo {
			kind = media.KindVideo
		}
		publishedURL, errPub := t.o.relay.Publish(ctx, kind, mimeType, name, rc)
		_ = rc.Close()
		if errPub != nil {
			log.Errorf("publish generated file %s failed: %v", ref.id, errPub)
			continue
		}
		onMedia(MediaItem{URL: publishedURL, MIMEType: mimeType, Video: isVideo})
	}
}

// StreamTurn renders one turn as an OpenAI SSE stream. Failures after the
// stream opened are reported in-band before the terminating events.
func (o *Orchestrator) StreamTurn(ctx context.Context, t *Turn, w io.Writer) {
	defer t.Close()
	id := newCompletionID()
	created := o.now().Unix()
	model := t.req.Model

	writeSSE(w, roleChunk(id, created, model))
	err := t.Run(ctx,
		func(text string) {
			writeSSE(w, contentChunk(id, created, model, text))
		},
		func(item MediaItem) {
			writeSSE(w, contentChunk(id, created, model, "\n"+item.URL+"\n"))
		})
	if err != nil {
		log.Errorf("chat stream aborted: %v", err)
		writeSSE(w, errorChunk(id, created, model, err.Error()))
	}
	writeSSE(w, finishChunk(id, created, model))
	writeDone(w)
}

// Complete runs one turn to completion and returns the non-streaming
// response body.
func (o *Orchestrator) Complete(ctx context.Context, req *Request) ([]byte, error) {
	t, err := o.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	var text strings.Builder
	var items []MediaItem
	err = t.Run(ctx,
		func(chunk string) { text.WriteString(chunk) },
		func(item MediaItem) { items = append(items, item) })
	if err != nil {
		return nil, err
	}
	content := renderContent(req.Format, text.String(), items)
	return completionResponse(newCompletionID(), o.now().Unix(), req.Model, content)
}

// renderContent shapes the final content per the negotiated format. Without
// media it is always a plain string.
func renderContent(format Format, text string, items []MediaItem) any {
	if len(items) == 0 {
		return text
	}
	switch format {
	case FormatMarkdown:
		parts := make([]string, 0, 1+len(items))
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
		for _, item := range items {
			if item.Video {
				parts = append(parts, fmt.Sprintf("[video](%s)", item.URL))
			} else {
				parts = append(parts, fmt.Sprintf("![image](%s)", item.URL))
			}
		}
		return strings.Join(parts, "\n\n")
	case FormatURL:
		parts := make([]string, 0, 1+len(items))
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
		for _, item := range items {
			parts = append(parts, item.URL)
		}
		return strings.Join(parts, "\n")
	default:
		parts := make([]map[string]any, 0, 1+len(items))
		if strings.TrimSpace(text) != "" {
			parts = append(parts, map[string]any{"type": "text", "text": text})
		}
		for _, item := range items {
			if item.Video {
				parts = append(parts, map[string]any{"type": "text", "text": item.URL})
			} else {
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": item.URL},
				})
			}
		}
		return parts
	}
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
