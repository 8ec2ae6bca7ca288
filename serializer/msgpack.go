package serializer

import (
	"github.com/vmihailenco/msgpack/v5"
)

type msgpackSerializer struct{}

var _ Serializer = (*msgpackSerializer)(nil)

func (m *msgpackSerializer) Name() string   { return "msgpack" }
func (m *msgpackSerializer) IsBinary() bool { return true }

func (m *msgpackSerializer) Encode(value any) ([]byte, error) {
	return msgpack.Marshal(value)
}

func (m *msgpackSerializer) Decode(data []byte, out any) error {
	return msgpack.Unmarshal(data, out)
}
