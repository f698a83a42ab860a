// Package config loads runtime settings for the FieldSync client.
package config

import "time"

// Config holds runtime settings for the FieldSync CLI.
//
// Fields:
//   - ServerBaseURL: base URL of the CRA platform REST API.
//   - AccessToken: bearer token for authenticated submissions; may be
//     empty when only public share-token captures are used.
//   - DatabasePath: path of the local SQLite database.
//   - OnlineCheckInterval: how often the client probes server reachability.
//   - SensitiveFields: field ids encrypted at rest in captured responses.
type Config struct {
	ServerBaseURL       string
	AccessToken         string
	DatabasePath        string
	OnlineCheckInterval time.Duration
	SensitiveFields     []string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerBaseURL = "http://127.0.0.1:8080/api"
	c.DatabasePath = "fieldsync.db"
	c.OnlineCheckInterval = 3 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present). Later
// sources take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
