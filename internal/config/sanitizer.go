package config

import "encoding/json"

// ConfigSanitizer redacts sensitive fields before a config snapshot is
// logged or returned through an inspection endpoint.
type ConfigSanitizer interface {
	Sanitize(cfg *Config) *Config
}

// DefaultConfigSanitizer is the ConfigSanitizer used throughout the control plane.
type DefaultConfigSanitizer struct {
	redactionValue string
}

// NewDefaultConfigSanitizer constructs a DefaultConfigSanitizer with the standard placeholder.
func NewDefaultConfigSanitizer() ConfigSanitizer {
	return &DefaultConfigSanitizer{redactionValue: "***REDACTED***"}
}

// NewConfigSanitizer constructs a DefaultConfigSanitizer with a custom placeholder.
func NewConfigSanitizer(redactionValue string) ConfigSanitizer {
	return &DefaultConfigSanitizer{redactionValue: redactionValue}
}

// Sanitize returns a deep copy of cfg with credentials and hash salts redacted.
func (s *DefaultConfigSanitizer) Sanitize(cfg *Config) *Config {
	sanitized := s.deepCopy(cfg)

	sanitized.Storage.PostgresURL = s.sanitizeURL(sanitized.Storage.PostgresURL)
	sanitized.Redis.Password = s.redactionValue
	sanitized.EventLog.IPHashSalt = s.redactionValue

	return sanitized
}

func (s *DefaultConfigSanitizer) deepCopy(cfg *Config) *Config {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var cp Config
	if err := json.Unmarshal(raw, &cp); err != nil {
		return cfg
	}
	return &cp
}

// sanitizeURL redacts a connection string wholesale rather than attempting to
// parse out embedded credentials, since postgres URLs place them inline.
func (s *DefaultConfigSanitizer) sanitizeURL(url string) string {
	if url == "" {
		return url
	}
	return s.redactionValue
}
