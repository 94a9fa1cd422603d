package storage

import (
	"io"

	"github.com/valyala/gozstd"
)

// ZstdLevel is the level used for .zst record files. Record streams are
// written once and replayed many times, so a fast level is enough.
const ZstdLevel = 2

// zstdSource decodes a .zst stream; Close returns the decoder to gozstd's pool
type zstdSource struct {
	dec *gozstd.Reader
}

func newZstdSource(r io.Reader) *zstdSource {
	return &zstdSource{dec: gozstd.NewReader(r)}
}

func (z *zstdSource) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdSource) Close() error {
	z.dec.Release()
	return nil
}

// zstdSink encodes records into a .zst stream. Close writes the final frame.
type zstdSink struct {
	enc *gozstd.Writer
}

func newZstdSink(w io.Writer) *zstdSink {
	return &zstdSink{enc: gozstd.NewWriterLevel(w, ZstdLevel)}
}

func (z *zstdSink) Write(p []byte) (int, error) {
	return z.enc.Write(p)
}

func (z *zstdSink) Close() error {
	defer z.enc.Release()
	return z.enc.Close()
}
