package main

import "image/color"

// Palette is the colour table produced for one frame: 256 entries in R, G, B
// order and the set of entries at least one pixel was mapped to.
type Palette struct {
	RGB  [3 * netSize]byte
	Used [netSize]bool
}

// Len returns the number of entries in the table.
func (p *Palette) Len() int { return netSize }

// Color returns entry i.
func (p *Palette) Color(i int) color.RGBA {
	return color.RGBA{R: p.RGB[3*i], G: p.RGB[3*i+1], B: p.RGB[3*i+2], A: 0xff}
}

// UsedCount returns how many entries are referenced by the frame.
func (p *Palette) UsedCount() int {
	n := 0
	for _, u := range p.Used {
		if u {
			n++
		}
	}
	return n
}

// Closest returns the used entry nearest to c by squared RGB distance. The
// first of several equally close entries wins; 0 is returned when no entry
// is used.
func (p *Palette) Closest(c color.Color) int {
	k := color.NRGBAModel.Convert(c).(color.NRGBA)
	r, g, b := int(k.R), int(k.G), int(k.B)

	minPos := 0
	dMin := 256 * 256 * 256
	for i := 0; i < netSize; i++ {
		dr := r - int(p.RGB[3*i])
		dg := g - int(p.RGB[3*i+1])
		db := b - int(p.RGB[3*i+2])
		d := dr*dr + dg*dg + db*db
		if p.Used[i] && d < dMin {
			dMin = d
			minPos = i
		}
	}
	return minPos
}

// IndexedFrame is a frame mapped onto its palette, one index per pixel.
type IndexedFrame struct {
	Pix     []byte
	Palette *Palette
}

// Quantize reduces the BGR pixels in pix to a palette and maps every pixel
// onto it. The same input and sample factor always give the same result.
func Quantize(pix []byte, sample int) IndexedFrame {
	return quantize(&Quantizer{}, pix, sample, nil)
}

// quantize is Quantize with a reusable quantizer and index buffer.
func quantize(q *Quantizer, pix []byte, sample int, dst []byte) IndexedFrame {
	q.Reset(pix, sample)
	bgr := q.Process()

	p := &Palette{}
	for i := 0; i < len(bgr); i += 3 {
		p.RGB[i] = bgr[i+2]
		p.RGB[i+1] = bgr[i+1]
		p.RGB[i+2] = bgr[i]
	}

	n := len(pix) / 3
	dst = growBytes(dst, n)
	for i, k := 0, 0; i < n; i, k = i+1, k+3 {
		idx := q.Map(int(pix[k]), int(pix[k+1]), int(pix[k+2]))
		p.Used[idx] = true
		dst[i] = byte(idx)
	}
	return IndexedFrame{Pix: dst, Palette: p}
}

// growBytes returns b resized to n, reallocating only when capacity is short.
func growBytes(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}
