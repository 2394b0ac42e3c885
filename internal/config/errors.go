package config

import "fmt"

// Error marks a missing or invalid setting. Unlike transient source
// failures, it propagates out of identity resolution and is never
// swallowed: an operator mistake must not look like "no links found".
type Error struct {
	Setting string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
}

// Errorf builds a configuration error for a setting.
func Errorf(setting, format string, args ...interface{}) *Error {
	return &Error{Setting: setting, Reason: fmt.Sprintf(format, args...)}
}
