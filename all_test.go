package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/xfmoulet/qoi"
)

// -----------------------------
// Unit tests
// -----------------------------

func makeTestImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x * 17) ^ (y * 31)),
				G: uint8((x * 43) + (y * 13)),
				B: uint8((x * 7) ^ (y * 11)),
				A: 255,
			})
		}
	}
	return img
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name    string
		w, h    int
		quality int
	}{
		{name: "one_pixel", w: 1, h: 1, quality: 10},
		{name: "wide_q1", w: 97, h: 3, quality: 1},
		{name: "64x48_q10", w: 64, h: 48, quality: 10},
		{name: "64x48_q30", w: 64, h: 48, quality: 30},
		{name: "320x240_q10", w: 320, h: 240, quality: 10},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := makeTestImage(tc.w, tc.h)
			comp := encodeFrames(t, []Option{WithQuality(tc.quality)}, src, src)
			if len(comp) == 0 {
				t.Fatalf("encoder produced no output")
			}

			g, err := gif.DecodeAll(bytes.NewReader(comp))
			if err != nil {
				t.Fatalf("DecodeAll: %v", err)
			}
			if len(g.Image) != 2 {
				t.Fatalf("decoded %d frames, want 2", len(g.Image))
			}
			for i, m := range g.Image {
				if got, want := m.Bounds(), src.Bounds(); got != want {
					t.Fatalf("frame %d bounds mismatch: got %v want %v", i, got, want)
				}
			}
			if !bytes.Equal(g.Image[0].Pix, g.Image[1].Pix) {
				t.Fatalf("identical frames decoded differently")
			}
		})
	}
}

// -----------------------------
// Benchmark helpers
// -----------------------------

// loadTestImage uses benchmark.jpg when present and a synthetic picture
// otherwise.
func loadTestImage(t testing.TB) image.Image {
	t.Helper()
	f, err := os.Open("benchmark.jpg")
	if err != nil {
		return makeTestImage(320, 240)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		t.Fatalf("failed to decode benchmark image: %v", err)
	}
	return toRGBA(img)
}

func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func benchmarkEncodeDecode(b *testing.B, encode func() ([]byte, error), decode func([]byte) error) {
	// Warm-up outside timed section.
	enc, err := encode()
	if err != nil {
		b.Fatalf("encode failed: %v", err)
	}
	if err := decode(enc); err != nil {
		b.Fatalf("decode failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		enc, err := encode()
		if err != nil {
			b.Fatalf("encode failed: %v", err)
		}
		if err := decode(enc); err != nil {
			b.Fatalf("decode failed: %v", err)
		}
	}
}

// codec is one encoder/decoder pair under comparison. Each reuses its own
// buffers between iterations.
type codec struct {
	name   string
	encode func() ([]byte, error)
	decode func([]byte) error
}

func newCodecs(img image.Image) []codec {
	var (
		neuBuf, stdBuf, qoiBuf bytes.Buffer
		r                      bytes.Reader
	)
	enc := NewEncoder(WithQuality(defaultSample))
	gifDecode := func(data []byte) error {
		r.Reset(data)
		_, err := gif.Decode(&r)
		return err
	}

	return []codec{
		{
			name: "NEUQUANT",
			encode: func() ([]byte, error) {
				neuBuf.Reset()
				if err := enc.Start(&neuBuf); err != nil {
					return nil, err
				}
				if err := enc.AddImage(img); err != nil {
					return nil, err
				}
				if err := enc.Finish(); err != nil {
					return nil, err
				}
				return neuBuf.Bytes(), nil
			},
			decode: gifDecode,
		},
		{
			name: "STDGIF",
			encode: func() ([]byte, error) {
				stdBuf.Reset()
				if err := gif.Encode(&stdBuf, img, nil); err != nil {
					return nil, err
				}
				return stdBuf.Bytes(), nil
			},
			decode: gifDecode,
		},
		{
			name: "QOI",
			encode: func() ([]byte, error) {
				qoiBuf.Reset()
				if err := qoi.Encode(&qoiBuf, img); err != nil {
					return nil, err
				}
				return qoiBuf.Bytes(), nil
			},
			decode: func(data []byte) error {
				r.Reset(data)
				_, err := qoi.Decode(&r)
				return err
			},
		},
	}
}

// BenchmarkCodecs compares the NeuQuant GIF encoder with image/gif (Plan 9
// palette, Floyd-Steinberg) and lossless QOI. Every codec runs the same
// loop: encode(); decode().
func BenchmarkCodecs(b *testing.B) {
	img := loadTestImage(b)

	for _, c := range newCodecs(img) {
		b.Run(c.name, func(b *testing.B) {
			if testing.Verbose() {
				b.Logf("cpus=%d gomaxprocs=%d goroutines=%d", runtime.NumCPU(), runtime.GOMAXPROCS(0), runtime.NumGoroutine())

				startEnc := time.Now()
				enc, err := c.encode()
				if err != nil {
					b.Fatalf("encode failed: %v", err)
				}
				encTime := time.Since(startEnc)
				size := len(enc)

				startDec := time.Now()
				if err := c.decode(enc); err != nil {
					b.Fatalf("decode failed: %v", err)
				}
				decTime := time.Since(startDec)

				b.Logf("encode=%v decode=%v size=%d bytes", encTime, decTime, size)
			}

			benchmarkEncodeDecode(b, c.encode, c.decode)
		})
	}
}

// -----------------------------
// Summary table (single output)
// -----------------------------

type summaryRow struct {
	name   string
	result testing.BenchmarkResult
	sizeB  int
	encNS  int64
	decNS  int64
}

type summaryBenchFn func(*testing.B) (sizeB int, encTotal, decTotal time.Duration)

// Run with:
//
//	go test -run TestBenchmarkSummary -v
func TestBenchmarkSummary(t *testing.T) {
	if testing.Short() {
		t.Skip("benchmark summary skipped in short mode")
	}
	img := loadTestImage(t)

	var rows []summaryRow
	for _, c := range newCodecs(img) {
		rows = append(rows, runSummaryBench(c.name, benchCodec(c)))
	}

	fmt.Println()
	fmt.Printf("%-8s  %10s  %10s  %12s  %12s  %9s  %10s\n", "codec", "enc_ms", "dec_ms", "ns/op", "B/op", "allocs/op", "size(B)")
	fmt.Printf("%-8s  %10s  %10s  %12s  %12s  %9s  %10s\n", "--------", "----------", "----------", "------------", "------------", "---------", "----------")
	for _, r := range rows {
		encMS := float64(r.encNS) / 1e6
		decMS := float64(r.decNS) / 1e6
		fmt.Printf("%-8s  %10.3f  %10.3f  %12d  %12d  %9d  %10d\n",
			r.name,
			encMS,
			decMS,
			r.result.NsPerOp(),
			r.result.AllocedBytesPerOp(),
			r.result.AllocsPerOp(),
			r.sizeB,
		)
	}
}

func runSummaryBench(name string, fn summaryBenchFn) summaryRow {
	sizeB, encTotal, decTotal := 0, time.Duration(0), time.Duration(0)
	res := testing.Benchmark(func(b *testing.B) {
		sizeB, encTotal, decTotal = fn(b)
	})

	encNS := int64(0)
	decNS := int64(0)
	if res.N > 0 {
		encNS = encTotal.Nanoseconds() / int64(res.N)
		decNS = decTotal.Nanoseconds() / int64(res.N)
	}
	return summaryRow{name: name, result: res, sizeB: sizeB, encNS: encNS, decNS: decNS}
}

func benchCodec(c codec) summaryBenchFn {
	return func(b *testing.B) (int, time.Duration, time.Duration) {
		sizeB := 0
		var encTotal, decTotal time.Duration

		// Warm-up and reset so one-time allocations don't dominate the summary.
		enc, err := c.encode()
		if err != nil {
			b.Fatalf("%s encode failed: %v", c.name, err)
		}
		if err := c.decode(enc); err != nil {
			b.Fatalf("%s decode failed: %v", c.name, err)
		}
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			startEnc := time.Now()
			enc, err := c.encode()
			if err != nil {
				b.Fatalf("%s encode failed: %v", c.name, err)
			}
			encTotal += time.Since(startEnc)
			sizeB = len(enc)

			startDec := time.Now()
			if err := c.decode(enc); err != nil {
				b.Fatalf("%s decode failed: %v", c.name, err)
			}
			decTotal += time.Since(startDec)
		}
		return sizeB, encTotal, decTotal
	}
}
