package formatter

import (
	"gopkg.in/yaml.v3"

	"github.com/petrijr/stepflow/pkg/api"
)

const YAMLName = "yaml"

// YAML stores state as YAML text. It is handy when operators edit state
// by hand.
type YAML struct{}

var _ api.Formatter = YAML{}

func (YAML) Name() string { return YAMLName }

func (YAML) Serialize(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return "", malformed(YAMLName, err)
	}
	return string(b), nil
}

func (YAML) Deserialize(data string, v any) error {
	if err := yaml.Unmarshal([]byte(data), v); err != nil {
		return malformed(YAMLName, err)
	}
	return nil
}
