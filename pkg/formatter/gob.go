package formatter

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"

	"github.com/petrijr/stepflow/pkg/api"
)

const GobName = "gob"

// Gob stores state as base64-encoded gob bytes.
//
// Values are encoded as their concrete type, so Deserialize must be given a
// pointer to that same type. Interface-typed fields need their concrete
// types registered with gob.Register.
type Gob struct{}

var _ api.Formatter = Gob{}

func (Gob) Name() string { return GobName }

func (Gob) Serialize(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return "", malformed(GobName, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (Gob) Deserialize(data string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return malformed(GobName, err)
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		return malformed(GobName, err)
	}
	return nil
}
