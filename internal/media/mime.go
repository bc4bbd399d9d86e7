// Package media stores generated images and videos and serves them back over
// short-lived local URLs, or relays them to an external file host when one is
// configured.
package media

import "strings"

var extByMIME = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

// ExtensionForMIME maps a MIME type to a file extension, defaulting to .bin
// for anything unrecognized.
func ExtensionForMIME(mimeType string) string {
	if ext, ok := extByMIME[normalizeMIME(mimeType)]; ok {
		return ext
	}
	return ".bin"
}

// MIMEForFilename is the inverse mapping used when serving cached files.
func MIMEForFilename(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return "application/octet-stream"
	}
	switch strings.ToLower(name[idx:]) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

// IsVideoMIME reports whether the MIME type is a video format.
func IsVideoMIME(mimeType string) bool {
	return strings.HasPrefix(normalizeMIME(mimeType), "video/")
}

func normalizeMIME(mimeType string) string {
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
