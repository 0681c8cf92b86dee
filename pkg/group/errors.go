package group

import "fmt"

// ConfigurationError reports a grouping configuration that cannot be
// executed, such as a spec referencing a field the source does not have.
// It is never transient: retrying the same configuration fails the same way.
type ConfigurationError struct {
	// Field is the output or source field at fault, if any.
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid grouping configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid grouping configuration: %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UnknownFieldError returns a ConfigurationError for a field the source
// does not provide.
func UnknownFieldError(field string) error {
	return configErrorf(field, "unknown source field")
}
