package main

import "io"

// GIF flavoured LZW with an open-addressing hash dictionary (after
// compress(1), Thomas/McKie/Davies/Turkowski/Woods/Orost and G. Knott's
// secondary hash).

const (
	lzwBits       = 12
	lzwHSize      = 5003 // 80% occupancy
	lzwMaxMaxCode = 1 << lzwBits
	lzwEOF        = -1
	lzwMaxPacket  = 254
)

var lzwMasks = [...]int{
	0x0000, 0x0001, 0x0003, 0x0007, 0x000F, 0x001F,
	0x003F, 0x007F, 0x00FF, 0x01FF, 0x03FF, 0x07FF,
	0x0FFF, 0x1FFF, 0x3FFF, 0x7FFF, 0xFFFF,
}

// lzwEncoder keeps its hash tables between frames so a session allocates
// them once. It is not safe for concurrent use.
type lzwEncoder struct {
	w   io.Writer
	err error
	one [1]byte

	pix []byte
	cur int

	initBits  int
	nBits     int
	maxCode   int
	freeEnt   int
	clearFlag bool
	clearCode int
	eofCode   int

	curAccum int
	curBits  int

	htab    [lzwHSize]int
	codetab [lzwHSize]int

	// packet[0] holds the sub-block length, packet[1:] the data
	aCount int
	packet [256]byte
}

// Compress writes pix as GIF image data to w: the minimum code size byte,
// the LZW sub-blocks and the zero-length block terminator.
func Compress(w io.Writer, pix []byte, colorDepth int) error {
	var e lzwEncoder
	return e.encode(w, pix, colorDepth)
}

func (e *lzwEncoder) encode(w io.Writer, pix []byte, colorDepth int) error {
	e.w, e.err = w, nil
	e.pix, e.cur = pix, 0

	initCodeSize := max(2, colorDepth)
	e.writeByte(byte(initCodeSize))
	e.compress(initCodeSize + 1)
	e.writeByte(0)

	e.w, e.pix = nil, nil
	return e.err
}

func (e *lzwEncoder) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

func (e *lzwEncoder) writeByte(b byte) {
	e.one[0] = b
	e.write(e.one[:])
}

func (e *lzwEncoder) nextPixel() int {
	if e.cur >= len(e.pix) {
		return lzwEOF
	}
	p := e.pix[e.cur]
	e.cur++
	return int(p)
}

func (e *lzwEncoder) compress(initBits int) {
	e.initBits = initBits
	e.clearFlag = false
	e.nBits = initBits
	e.maxCode = maxCodeFor(e.nBits)

	e.clearCode = 1 << (initBits - 1)
	e.eofCode = e.clearCode + 1
	e.freeEnt = e.clearCode + 2

	e.aCount = 0
	e.curAccum = 0
	e.curBits = 0

	ent := e.nextPixel()

	hShift := 0
	for fcode := lzwHSize; fcode < 65536; fcode *= 2 {
		hShift++
	}
	hShift = 8 - hShift // hash code range bound

	e.clearHash()
	e.output(e.clearCode)
	if ent == lzwEOF {
		e.output(e.eofCode)
		return
	}

outer:
	for {
		c := e.nextPixel()
		if c == lzwEOF {
			break
		}

		fcode := (c << lzwBits) + ent
		i := (c << hShift) ^ ent // xor hashing

		if e.htab[i] == fcode {
			ent = e.codetab[i]
			continue
		}
		if e.htab[i] >= 0 { // occupied: rehash
			disp := lzwHSize - i
			if i == 0 {
				disp = 1
			}
			for {
				i -= disp
				if i < 0 {
					i += lzwHSize
				}
				if e.htab[i] == fcode {
					ent = e.codetab[i]
					continue outer
				}
				if e.htab[i] < 0 {
					break
				}
			}
		}

		e.output(ent)
		ent = c
		if e.freeEnt < lzwMaxMaxCode {
			e.codetab[i] = e.freeEnt
			e.freeEnt++
			e.htab[i] = fcode
		} else {
			e.clearBlock()
		}
	}

	e.output(ent)
	e.output(e.eofCode)
}

// clearBlock empties the dictionary and emits a clear code.
func (e *lzwEncoder) clearBlock() {
	e.clearHash()
	e.freeEnt = e.clearCode + 2
	e.clearFlag = true
	e.output(e.clearCode)
}

func (e *lzwEncoder) clearHash() {
	for i := range e.htab {
		e.htab[i] = -1
	}
}

// output appends code to the bit accumulator (LSB first) and grows or resets
// the code width. The end-of-information code also flushes the pending bits
// and the last packet.
func (e *lzwEncoder) output(code int) {
	e.curAccum &= lzwMasks[e.curBits]
	if e.curBits > 0 {
		e.curAccum |= code << e.curBits
	} else {
		e.curAccum = code
	}
	e.curBits += e.nBits

	for e.curBits >= 8 {
		e.charOut(byte(e.curAccum))
		e.curAccum >>= 8
		e.curBits -= 8
	}

	if e.freeEnt > e.maxCode || e.clearFlag {
		if e.clearFlag {
			e.nBits = e.initBits
			e.maxCode = maxCodeFor(e.nBits)
			e.clearFlag = false
		} else {
			e.nBits++
			if e.nBits == lzwBits {
				e.maxCode = lzwMaxMaxCode
			} else {
				e.maxCode = maxCodeFor(e.nBits)
			}
		}
	}

	if code == e.eofCode {
		for e.curBits > 0 {
			e.charOut(byte(e.curAccum))
			e.curAccum >>= 8
			e.curBits -= 8
		}
		e.flushChar()
	}
}

func (e *lzwEncoder) charOut(c byte) {
	e.aCount++
	e.packet[e.aCount] = c
	if e.aCount >= lzwMaxPacket {
		e.flushChar()
	}
}

func (e *lzwEncoder) flushChar() {
	if e.aCount == 0 {
		return
	}
	e.packet[0] = byte(e.aCount)
	e.write(e.packet[:e.aCount+1])
	e.aCount = 0
}

func maxCodeFor(nBits int) int {
	return (1 << nBits) - 1
}
