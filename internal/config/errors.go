package config

import "fmt"

// ConfigError signals an invalid or missing configuration value caught at
// load or construction time: an unparseable URL, a missing required
// field, or a disallowed plaintext scheme. An unresolved ${VAR} reference
// is reported by the separate ErrUnresolvedVariable type instead. Fatal
// wherever it surfaces.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }
