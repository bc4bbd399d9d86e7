// Package config provides configuration management for the gateway server.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including server port, API keys,
// proxy configuration, media relay settings, and the model table.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug"`

	// LoggingToFile switches log output to rotating files under logs/.
	LoggingToFile bool `yaml:"logging-to-file"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// APIKeys is a list of keys for authenticating clients to this gateway.
	APIKeys []string `yaml:"api-keys"`

	// AccountsFile is the path of the JSON file holding upstream account rows.
	AccountsFile string `yaml:"accounts-file"`

	// MediaCacheDir is the root directory of the local media cache.
	MediaCacheDir string `yaml:"media-cache-dir"`

	// ImageBaseURL is the base URL used when composing media links. Empty
	// means local links are host-relative, or the upload endpoint root is
	// used when the external host is configured.
	ImageBaseURL string `yaml:"image-base-url"`

	// UploadEndpoint is the external file-hosting upload URL. When both
	// UploadEndpoint and UploadAPIToken are set, generated media is relayed
	// to the external host instead of the local cache.
	UploadEndpoint string `yaml:"upload-endpoint"`

	// UploadAPIToken authenticates uploads to the external file host.
	UploadAPIToken string `yaml:"upload-api-token"`

	// AutoRefreshCookie signals the cookie-refresh collaborator when an
	// account's cookies expire.
	AutoRefreshCookie bool `yaml:"auto-refresh-cookie"`

	// LanguageCode is forwarded on every assist request.
	LanguageCode string `yaml:"language-code"`

	// TimeZone is forwarded as the user metadata time zone.
	TimeZone string `yaml:"time-zone"`

	// Models maps client-facing model ids to upstream model ids. The virtual
	// ids gemini-image and gemini-video (aliases image-gen and video-gen) are
	// always available and select the matching generation tool instead of an
	// upstream model.
	Models []Model `yaml:"models"`
}

// Model represents one entry of the client-facing model table.
type Model struct {
	// ID is the model id clients send in the request body.
	ID string `yaml:"id"`

	// Name is an optional human-readable label shown by /v1/models.
	Name string `yaml:"name"`

	// UpstreamID is forwarded to the upstream in assistGenerationConfig.
	// Empty means the upstream default model is used.
	UpstreamID string `yaml:"upstream-id"`
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies defaults, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.AccountsFile == "" {
		c.AccountsFile = "accounts.json"
	}
	if c.MediaCacheDir == "" {
		c.MediaCacheDir = "media-cache"
	}
	if c.LanguageCode == "" {
		c.LanguageCode = "zh-CN"
	}
	if c.TimeZone == "" {
		c.TimeZone = "Etc/GMT-8"
	}
}

// ExternalHostConfigured reports whether media should be relayed to the
// external file host instead of the local cache.
func (c *Config) ExternalHostConfigured() bool {
	return c.UploadEndpoint != "" && c.UploadAPIToken != ""
}

// ResolveModel returns the upstream model id for a client-facing model id.
// The second return value is false when the id is unknown and not virtual.
// With no model table configured every id is accepted and forwarded verbatim.
func (c *Config) ResolveModel(id string) (string, bool) {
	for i := range c.Models {
		if c.Models[i].ID == id {
			return c.Models[i].UpstreamID, true
		}
	}
	switch id {
	case "gemini-image", "image-gen":
		return "gemini-image", true
	case "gemini-video", "video-gen":
		return "gemini-video", true
	}
	if len(c.Models) == 0 {
		return id, true
	}
	return "", false
}
