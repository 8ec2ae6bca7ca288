package serializer

import (
	"encoding/json"
)

type jsonSerializer struct{}

var _ Serializer = (*jsonSerializer)(nil)

func (j *jsonSerializer) Name() string   { return "json" }
func (j *jsonSerializer) IsBinary() bool { return false }

func (j *jsonSerializer) Encode(value any) ([]byte, error) {
	return json.Marshal(value)
}

func (j *jsonSerializer) Decode(data []byte, out any) error {
	return json.Unmarshal(data, out)
}
