package main

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	_ "github.com/xfmoulet/qoi"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// --- ZSTD helpers ---

func mustNewZstdEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(
		nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		zstd.WithLowerEncoderMem(true),
	)
	if err != nil {
		panic(err)
	}
	return enc
}

func mustNewZstdDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(
		nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
	)
	if err != nil {
		panic(err)
	}
	return dec
}

var zstdDecPool = sync.Pool{
	New: func() any {
		return mustNewZstdDecoder()
	},
}

func decompressZstd(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	dec := zstdDecPool.Get().(*zstd.Decoder)
	out, err := dec.DecodeAll(data, nil)
	zstdDecPool.Put(dec)
	return out, err
}

func decompressGzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// --- frame source ---

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true, ".qoi": true,
}

// isImagePath reports whether name looks like an input frame, optionally
// compressed with zstd or gzip.
func isImagePath(name string) bool {
	name = strings.ToLower(name)
	name = strings.TrimSuffix(strings.TrimSuffix(name, ".zst"), ".gz")
	return imageExts[filepath.Ext(name)]
}

// expandInputs replaces every directory in paths by the image files it
// contains, sorted by name. Plain files are kept in order.
func expandInputs(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !st.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, de := range entries {
			if !de.IsDir() && isImagePath(de.Name()) {
				names = append(names, filepath.Join(p, de.Name()))
			}
		}
		sort.Strings(names)
		out = append(out, names...)
	}
	return out, nil
}

// LoadImage decodes a still image from path. Files ending in .zst or .gz are
// decompressed first.
func LoadImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst":
		if data, err = decompressZstd(data); err != nil {
			return nil, fmt.Errorf("%s: zstd: %w", path, err)
		}
	case ".gz":
		if data, err = decompressGzip(data); err != nil {
			return nil, fmt.Errorf("%s: gzip: %w", path, err)
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// --- output sink ---

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// sink is an output file, possibly behind a compressor. Flush pushes buffered
// bytes down to the file; Close closes the compressor and then the file.
type sink struct {
	io.Writer
	flush   func() error
	closers []io.Closer
}

func (s *sink) Flush() error {
	return s.flush()
}

func (s *sink) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CreateSink creates the output file at path. A .zst suffix compresses the
// stream with zstd, .gz with gzip; anything else is written as is.
func CreateSink(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst":
		zw := mustNewZstdEncoder()
		zw.Reset(f)
		return &sink{Writer: zw, flush: zw.Flush, closers: []io.Closer{zw, f}}, nil
	case ".gz":
		zw, err := gzip.NewWriterLevel(f, gzip.BestCompression)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &sink{Writer: zw, flush: zw.Flush, closers: []io.Closer{zw, f}}, nil
	default:
		bw := bufio.NewWriter(f)
		return &sink{Writer: bw, flush: bw.Flush, closers: []io.Closer{closerFunc(bw.Flush), f}}, nil
	}
}

// --- flag values ---

// parseHexColor parses "#rrggbb" or "rrggbb".
func parseHexColor(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(s, "#")
	if len(h) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid colour %q: want #rrggbb", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

var scalers = map[string]draw.Scaler{
	"nearest":  draw.NearestNeighbor,
	"approx":   draw.ApproxBiLinear,
	"bilinear": draw.BiLinear,
	"catmull":  draw.CatmullRom,
}

func parseScaler(name string) (draw.Scaler, error) {
	s, ok := scalers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown scaler %q", name)
	}
	return s, nil
}
