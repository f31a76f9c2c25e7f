// Package compress provides the content codec registry. Presets are
// registered at process init; stored content rows reference codecs by
// their stable numeric ID.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec encodes and decodes one compression preset.
type Codec interface {
	// Name is the preset name, e.g. "gzip-6".
	Name() string

	// ID is the stable numeric identifier persisted with content rows.
	ID() int

	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// ID ranges per family. A preset's ID is base + level.
const (
	idNone       = 0
	idGzipBase   = 10 // gzip-1..gzip-9 -> 11..19
	idBrotliBase = 20 // brotli-0..brotli-11 -> 20..31
	idZstdBase   = 40 // zstd-3 -> 43, zstd-19 -> 59
)

var (
	regMu  sync.RWMutex
	byName = map[string]Codec{}
	byID   = map[int]Codec{}
)

// Register adds a codec to the registry. Duplicate names or IDs are a
// programming error and panic at init.
func Register(c Codec) {
	regMu.Lock()
	defer regMu.Unlock()

	if _, dup := byName[c.Name()]; dup {
		panic(fmt.Sprintf("compress: duplicate codec name %q", c.Name()))
	}
	if _, dup := byID[c.ID()]; dup {
		panic(fmt.Sprintf("compress: duplicate codec id %d", c.ID()))
	}
	byName[c.Name()] = c
	byID[c.ID()] = c
}

// ByName looks a codec up by preset name.
func ByName(name string) (Codec, error) {
	regMu.RLock()
	defer regMu.RUnlock()

	c, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown compression preset %q", name)
	}
	return c, nil
}

// ByID looks a codec up by its persisted numeric ID.
func ByID(id int) (Codec, error) {
	regMu.RLock()
	defer regMu.RUnlock()

	c, ok := byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown compression type id %d", id)
	}
	return c, nil
}

// Names returns all registered preset names, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()

	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(noneCodec{})
	for _, level := range []int{1, 3, 6, 9} {
		Register(&gzipCodec{level: level})
	}
	for level := 0; level <= 11; level++ {
		Register(&brotliCodec{level: level})
	}
	for _, level := range []int{3, 19} {
		Register(newZstdCodec(level))
	}
}

// --- none ---

type noneCodec struct{}

func (noneCodec) Name() string { return "none" }
func (noneCodec) ID() int      { return idNone }

func (noneCodec) Encode(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (noneCodec) Decode(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// --- gzip ---

type gzipCodec struct {
	level int
}

func (c *gzipCodec) Name() string { return fmt.Sprintf("gzip-%d", c.level) }
func (c *gzipCodec) ID() int      { return idGzipBase + c.level }

func (c *gzipCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *gzipCodec) Decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}

// --- brotli ---

type brotliCodec struct {
	level int
}

func (c *brotliCodec) Name() string { return fmt.Sprintf("brotli-%d", c.level) }
func (c *brotliCodec) ID() int      { return idBrotliBase + c.level }

func (c *brotliCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, c.level)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("brotli write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("brotli close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *brotliCodec) Decode(data []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("brotli read: %w", err)
	}
	return out, nil
}

// --- zstd ---

// zstdCodec shares one encoder and decoder per preset; both are
// concurrency-safe via EncodeAll/DecodeAll.
type zstdCodec struct {
	level   int
	once    sync.Once
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	initErr error
}

func newZstdCodec(level int) *zstdCodec {
	return &zstdCodec{level: level}
}

func (c *zstdCodec) Name() string { return fmt.Sprintf("zstd-%d", c.level) }
func (c *zstdCodec) ID() int      { return idZstdBase + c.level }

func (c *zstdCodec) setup() {
	c.once.Do(func() {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)))
		if err != nil {
			c.initErr = err
			return
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			c.initErr = err
			return
		}
		c.enc = enc
		c.dec = dec
	})
}

func (c *zstdCodec) Encode(data []byte) ([]byte, error) {
	c.setup()
	if c.initErr != nil {
		return nil, fmt.Errorf("zstd init: %w", c.initErr)
	}
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *zstdCodec) Decode(data []byte) ([]byte, error) {
	c.setup()
	if c.initErr != nil {
		return nil, fmt.Errorf("zstd init: %w", c.initErr)
	}
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
