package graph

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an invalid dependency declaration. It is fatal
// at startup and never recovered.
type ConfigurationError struct {
	Target   string
	Relation string
	Field    string
	Message  string
}

func (e *ConfigurationError) Error() string {
	loc := e.Target
	if e.Relation != "" {
		loc += "." + e.Relation
	}
	if e.Field != "" {
		loc += " field " + e.Field
	}
	if loc == "" {
		return "denorm configuration: " + e.Message
	}
	return fmt.Sprintf("denorm configuration %s: %s", loc, e.Message)
}

// IsConfigurationError returns true if err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
