package config

import "fmt"

// ConfigError reports a malformed or ambiguous configuration. It is always
// fatal: the pinger must not start polling with a configuration it could not
// fully understand.
type ConfigError struct {
	Key    string // config key, file or target entry at fault (may be empty)
	Reason string
	Err    error // underlying cause, if any
}

func (e *ConfigError) Error() string {
	msg := "config"
	if e.Key != "" {
		msg += fmt.Sprintf(" %q", e.Key)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }
