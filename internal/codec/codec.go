// Package codec wraps mirror streams with optional compression. Codecs are
// identified by name and by the file extension they add.
package codec

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Supported codec names.
const (
	None    = ""
	Gzip    = "gzip"
	Deflate = "deflate"
	Zstd    = "zstd"
	S2      = "s2"
)

// ErrUnknownCodec is returned for names that no provider implements.
var ErrUnknownCodec = errors.New("unknown codec")

var extensions = map[string]string{
	Gzip:    ".gz",
	Deflate: ".deflate",
	Zstd:    ".zst",
	S2:      ".s2",
}

// Provider compresses and decompresses streams for a single codec.
type Provider struct {
	name string
}

// New returns the provider for name. The empty name is a passthrough.
func New(name string) (*Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "zlib" {
		name = Deflate
	}
	if name != None {
		if _, ok := extensions[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
		}
	}
	return &Provider{name: name}, nil
}

// Name returns the canonical codec name.
func (p *Provider) Name() string { return p.name }

// Extension returns the suffix appended to compressed object keys.
func (p *Provider) Extension() string { return extensions[p.name] }

// WrapOutput returns a writer compressing into w. Closing the returned
// writer flushes the codec but does not close w.
func (p *Provider) WrapOutput(w io.Writer) (io.WriteCloser, error) {
	switch p.name {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Deflate:
		return zlib.NewWriter(w), nil
	case Zstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return enc, nil
	case S2:
		return s2.NewWriter(w), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, p.name)
}

// WrapInput returns a reader decompressing r.
func (p *Provider) WrapInput(r io.Reader) (io.ReadCloser, error) {
	switch p.name {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return zr, nil
	case Deflate:
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open zlib stream: %w", err)
		}
		return zr, nil
	case Zstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		return zstdReadCloser{dec}, nil
	case S2:
		return io.NopCloser(s2.NewReader(r)), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, p.name)
}

// NameFromPath infers a codec from the key's extension. Unknown or missing
// extensions yield None.
func NameFromPath(key string) string {
	ext := strings.ToLower(path.Ext(key))
	for name, e := range extensions {
		if e == ext {
			return name
		}
	}
	return None
}

// StripExtension removes a recognised codec extension from key.
func StripExtension(key string) string {
	if NameFromPath(key) == None {
		return key
	}
	return strings.TrimSuffix(key, path.Ext(key))
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// zstd.Decoder.Close returns nothing.
type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// ForPath returns the provider matching key's extension, a passthrough when
// none matches.
func ForPath(key string) *Provider {
	return &Provider{name: NameFromPath(key)}
}
