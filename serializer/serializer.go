// Package serializer provides the pluggable value codecs used by the
// persistence backends. Values are encoded to bytes before they hit
// storage and decoded on the way back out. Codecs are selected by name
// so the choice can travel inside a DSN.
package serializer

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Serializer encodes and decodes values for storage.
type Serializer interface {
	// Name returns the registered name of the codec.
	Name() string
	// IsBinary returns true when the encoded form is not valid UTF-8 text.
	IsBinary() bool
	// Encode serializes value into bytes.
	Encode(value any) ([]byte, error)
	// Decode deserializes data into the value pointed to by out.
	Decode(data []byte, out any) error
}

type config struct {
	compress      bool
	compressLevel int
}

// Option customizes a Serializer returned by New.
type Option func(*config)

// WithCompression wraps the codec output in gzip at the given level.
func WithCompression(level int) Option {
	return func(c *config) {
		c.compress = true
		c.compressLevel = level
	}
}

// New returns the Serializer registered under name. Supported names are
// "msgpack" and "json"; an empty name selects msgpack.
func New(name string, opts ...Option) (Serializer, error) {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	var s Serializer
	switch strings.ToLower(name) {
	case "", "msgpack":
		s = &msgpackSerializer{}
	case "json":
		s = &jsonSerializer{}
	default:
		return nil, errors.Errorf("unknown serializer: %s", name)
	}
	if c.compress {
		s = &gzipSerializer{inner: s, level: c.compressLevel}
	}
	return s, nil
}
