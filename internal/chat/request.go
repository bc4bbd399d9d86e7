// Package chat implements the OpenAI-compatible chat surface: request
// parsing, the streaming orchestration against the upstream assist service,
// and SSE/JSON response shaping.
package chat

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/BizGeminiAPI/internal/account"
	"github.com/router-for-me/BizGeminiAPI/internal/config"
)

// Format selects how generated media appears in response content.
type Format string

const (
	FormatArray    Format = "array"
	FormatMarkdown Format = "markdown"
	FormatURL      Format = "url"
)

// Virtual model ids that map to a dedicated generation tool instead of an
// upstream model id.
const (
	virtualImageModel = "gemini-image"
	virtualVideoModel = "gemini-video"
)

// Upload is one client-supplied file destined for the upstream session
// context. Exactly one of ContentBase64 or SourceURL is set; remote sources
// are fetched by the orchestrator.
type Upload struct {
	Name          string
	MIMEType      string
	ContentBase64 string
	SourceURL     string
}

// Request is a parsed chat completion request.
type Request struct {
	Model           string
	UpstreamModelID string
	ToolsSpec       map[string]any
	QuotaKind       account.QuotaKind
	Prompt          string
	Uploads         []Upload
	Stream          bool
	Format          Format
}

// ParseRequest validates and flattens an OpenAI-shaped request body.
func ParseRequest(body []byte, userAgent string, cfg *config.Config) (*Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	model := root.Get("model").String()
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	upstreamID, ok := cfg.ResolveModel(model)
	if !ok {
		return nil, fmt.Errorf("model %q is not available", model)
	}

	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, fmt.Errorf("messages must be a non-empty array")
	}

	prompt, uploads, err := flattenMessages(messages)
	if err != nil {
		return nil, err
	}
	if prompt == "" && len(uploads) == 0 {
		return nil, fmt.Errorf("messages contain no usable content")
	}

	req := &Request{
		Model:   model,
		Prompt:  prompt,
		Uploads: uploads,
		Stream:  root.Get("stream").Bool(),
		Format:  detectFormat(root, userAgent),
	}
	req.UpstreamModelID, req.ToolsSpec, req.QuotaKind = resolveGeneration(upstreamID)
	return req, nil
}

// resolveGeneration maps an upstream model id to the tool spec and quota
// dimension of the turn. The virtual image and video models enable only
// their generation tool and carry no model id upstream.
func resolveGeneration(upstreamID string) (string, map[string]any, account.QuotaKind) {
	switch upstreamID {
	case virtualImageModel:
		return "", map[string]any{"imageGenerationSpec": map[string]any{}}, account.QuotaImages
	case virtualVideoModel:
		return "", map[string]any{"videoGenerationSpec": map[string]any{}}, account.QuotaVideos
	default:
		spec := map[string]any{
			"webGroundingSpec":    map[string]any{},
			"toolRegistry":        "default_tool_registry",
			"imageGenerationSpec": map[string]any{},
			"videoGenerationSpec": map[string]any{},
		}
		return upstreamID, spec, account.QuotaText
	}
}

// flattenMessages folds the message history into one role-labeled transcript
// and collects file-bearing parts. A lone user message passes through without
// a role label.
func flattenMessages(messages gjson.Result) (string, []Upload, error) {
	var lines []string
	var uploads []Upload

	arr := messages.Array()
	for _, msg := range arr {
		role := msg.Get("role").String()
		if role == "" {
			role = "user"
		}
		content := msg.Get("content")

		var textParts []string
		if content.IsArray() {
			for _, part := range content.Array() {
				switch part.Get("type").String() {
				case "text":
					if t := part.Get("text").String(); t != "" {
						textParts = append(textParts, t)
					}
				case "image_url":
					u, errPart := uploadFromURL(part.Get("image_url.url").String())
					if errPart != nil {
						return "", nil, errPart
					}
					uploads = append(uploads, u)
				case "file":
					u, errPart := uploadFromURL(part.Get("file.file_data").String())
					if errPart != nil {
						return "", nil, errPart
					}
					if name := part.Get("file.filename").String(); name != "" {
						u.Name = name
					}
					uploads = append(uploads, u)
				}
			}
		} else {
			if t := content.String(); t != "" {
				textParts = append(textParts, t)
			}
		}
		if len(textParts) > 0 {
			lines = append(lines, role+": "+strings.Join(textParts, "\n"))
		}
	}

	if len(arr) == 1 && len(lines) == 1 {
		// Single-message requests keep their text verbatim.
		line := lines[0]
		if idx := strings.Index(line, ": "); idx >= 0 {
			return line[idx+2:], uploads, nil
		}
	}
	return strings.Join(lines, "\n"), uploads, nil
}

// uploadFromURL builds an Upload from either a data URL or a remote URL.
func uploadFromURL(rawURL string) (Upload, error) {
	if rawURL == "" {
		return Upload{}, fmt.Errorf("media part has no url")
	}
	if strings.HasPrefix(rawURL, "data:") {
		meta, data, found := strings.Cut(strings.TrimPrefix(rawURL, "data:"), ",")
		if !found {
			return Upload{}, fmt.Errorf("malformed data url")
		}
		mimeType := strings.TrimSuffix(meta, ";base64")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		return Upload{MIMEType: mimeType, ContentBase64: data}, nil
	}
	if strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://") {
		return Upload{SourceURL: rawURL}, nil
	}
	return Upload{}, fmt.Errorf("unsupported media url scheme")
}

// markdownClients and arrayClients drive the user-agent side of format
// negotiation. Markdown clients are checked first: some of them also send
// array-shaped messages, which must not flip the decision.
var (
	markdownClients = []string{"cherry", "studio"}
	arrayClients    = []string{"cursor", "vscode", "chatgpt", "openai", "anthropic"}
)

// detectFormat negotiates the media content shape: explicit request field,
// then known user agents, then the shape of the incoming messages, then the
// array default.
func detectFormat(root gjson.Result, userAgent string) Format {
	for _, field := range []string{"image_format", "response_format"} {
		v := root.Get(field)
		if v.Type == gjson.String {
			switch Format(v.String()) {
			case FormatArray, FormatMarkdown, FormatURL:
				return Format(v.String())
			}
		}
	}

	ua := strings.ToLower(userAgent)
	for _, client := range markdownClients {
		if strings.Contains(ua, client) {
			return FormatMarkdown
		}
	}
	for _, client := range arrayClients {
		if strings.Contains(ua, client) {
			return FormatArray
		}
	}

	for _, msg := range root.Get("messages").Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			continue
		}
		for _, part := range content.Array() {
			switch part.Get("type").String() {
			case "text", "image_url", "file":
				return FormatArray
			}
		}
	}
	return FormatArray
}
