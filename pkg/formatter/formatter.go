// Package formatter provides the state formatters a stepflow engine can use
// to persist step state: JSON (the default), gob and YAML.
package formatter

import (
	"fmt"

	"github.com/petrijr/stepflow/pkg/api"
)

// Default is the formatter used when none is configured.
var Default api.Formatter = JSON{}

// ByName returns the built-in formatter with the given name.
func ByName(name string) (api.Formatter, error) {
	switch name {
	case "", JSONName:
		return JSON{}, nil
	case GobName:
		return Gob{}, nil
	case YAMLName:
		return YAML{}, nil
	}
	return nil, fmt.Errorf("unknown state format %q", name)
}

func malformed(format string, err error) error {
	return fmt.Errorf("%w: %s: %v", api.ErrStateFormat, format, err)
}
