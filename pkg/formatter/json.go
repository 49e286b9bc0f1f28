package formatter

import (
	"encoding/json"

	"github.com/petrijr/stepflow/pkg/api"
)

const JSONName = "json"

// JSON stores state as JSON text.
type JSON struct{}

var _ api.Formatter = JSON{}

func (JSON) Name() string { return JSONName }

func (JSON) Serialize(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", malformed(JSONName, err)
	}
	return string(b), nil
}

func (JSON) Deserialize(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return malformed(JSONName, err)
	}
	return nil
}
