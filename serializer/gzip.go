package serializer

import (
	"bytes"
	"compress/gzip"
	"io"
)

type gzipSerializer struct {
	inner Serializer
	level int
}

var _ Serializer = (*gzipSerializer)(nil)

func (g *gzipSerializer) Name() string   { return g.inner.Name() + "+gzip" }
func (g *gzipSerializer) IsBinary() bool { return true }

func (g *gzipSerializer) Encode(value any) ([]byte, error) {
	data, err := g.inner.Encode(value)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *gzipSerializer) Decode(data []byte, out any) error {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return g.inner.Decode(raw, out)
}
