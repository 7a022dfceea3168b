// NeuQuant colour quantizer (Anthony Dekker's Kohonen-map palette
// reduction). A fixed network of 256 neurons is trained on a subsampled
// walk over the picture and then indexed on the green channel for fast
// nearest-colour lookups.
//
// All arithmetic is fixed-point integer. The rounding of every shift and
// division feeds the next training step, so the order and form of the
// operations below decide the resulting palette bit for bit.

package main

import "math"

const (
	netSize = 256 // number of colours produced

	// four primes near 500; no picture length is assumed to be divisible
	// by all of them
	prime1 = 499
	prime2 = 491
	prime3 = 487
	prime4 = 503

	minPictureBytes = 3 * prime4

	maxNetPos    = netSize - 1
	netBiasShift = 4   // bias for colour values
	nCycles      = 100 // learning cycles

	// frequency and bias
	intBiasShift = 16
	intBias      = 1 << intBiasShift
	gammaShift   = 10
	betaShift    = 10
	beta         = intBias >> betaShift // 1/1024
	betaGamma    = intBias << (gammaShift - betaShift)

	// decreasing radius factor
	initRad         = netSize >> 3 // radius starts at 32.0
	radiusBiasShift = 6
	radiusBias      = 1 << radiusBiasShift
	initRadius      = initRad * radiusBias
	radiusDec       = 30 // 1/30 per cycle

	// decreasing alpha factor
	alphaBiasShift = 10
	initAlpha      = 1 << alphaBiasShift

	// radpower
	radBiasShift   = 8
	radBias        = 1 << radBiasShift
	alphaRadBShift = alphaBiasShift + radBiasShift
	alphaRadBias   = 1 << alphaRadBShift
)

// Quantizer reduces a BGR pixel stream (3 bytes per pixel) to 256 colours.
// A Quantizer may be reused for several pictures via Reset; it is not safe
// for concurrent use.
type Quantizer struct {
	pix      []byte
	sample   int
	alphaDec int

	network  [netSize][4]int // b, g, r, original index
	netIndex [256]int        // first neuron for each green value
	bias     [netSize]int
	freq     [netSize]int
	radPower [initRad]int
}

// NewQuantizer prepares a quantizer over pix. sample is the sampling factor:
// 1 looks at every pixel, 10 is a good speed/quality default; values below 1
// are treated as 1.
func NewQuantizer(pix []byte, sample int) *Quantizer {
	q := &Quantizer{}
	q.Reset(pix, sample)
	return q
}

// Reset puts the network back on the initial grey ramp for a new picture.
func (q *Quantizer) Reset(pix []byte, sample int) {
	if sample < 1 {
		sample = 1
	}
	q.pix = pix
	q.sample = sample
	q.alphaDec = 0
	for i := range q.network {
		v := (i << (netBiasShift + 8)) / netSize
		q.network[i] = [4]int{v, v, v, 0}
		q.freq[i] = intBias / netSize
		q.bias[i] = 0
	}
	q.netIndex = [256]int{}
	q.radPower = [initRad]int{}
}

// Process trains the network, builds the green index and returns the colour
// map in B, G, R order, one entry per neuron in its original position.
func (q *Quantizer) Process() [3 * netSize]byte {
	q.learn()
	q.unbias()
	q.buildIndex()
	return q.colorMap()
}

func (q *Quantizer) colorMap() [3 * netSize]byte {
	var index [netSize]int
	for i := range q.network {
		index[q.network[i][3]] = i
	}
	var m [3 * netSize]byte
	k := 0
	for i := 0; i < netSize; i++ {
		n := &q.network[index[i]]
		m[k] = byte(n[0])
		m[k+1] = byte(n[1])
		m[k+2] = byte(n[2])
		k += 3
	}
	return m
}

// buildIndex sorts the network on green (selection sort, stable in the
// sense the lookup depends on) and records where each green value starts.
func (q *Quantizer) buildIndex() {
	previousCol := 0
	startPos := 0
	for i := 0; i < netSize; i++ {
		smallPos := i
		smallVal := q.network[i][1]
		for j := i + 1; j < netSize; j++ {
			if q.network[j][1] < smallVal {
				smallPos = j
				smallVal = q.network[j][1]
			}
		}
		if i != smallPos {
			q.network[i], q.network[smallPos] = q.network[smallPos], q.network[i]
		}
		if smallVal != previousCol {
			q.netIndex[previousCol] = (startPos + i) >> 1
			for j := previousCol + 1; j < smallVal; j++ {
				q.netIndex[j] = i
			}
			previousCol = smallVal
			startPos = i
		}
	}
	q.netIndex[previousCol] = (startPos + maxNetPos) >> 1
	for j := previousCol + 1; j < 256; j++ {
		q.netIndex[j] = maxNetPos
	}
}

// step picks the sampling stride. Short pictures are read pixel by pixel;
// otherwise the stride is three times the first prime that does not divide
// the byte count.
func (q *Quantizer) step() int {
	n := len(q.pix)
	switch {
	case n < minPictureBytes:
		return 3
	case n%prime1 != 0:
		return 3 * prime1
	case n%prime2 != 0:
		return 3 * prime2
	case n%prime3 != 0:
		return 3 * prime3
	default:
		return 3 * prime4
	}
}

func (q *Quantizer) setRadPower(rad, alpha int) {
	for i := 0; i < rad; i++ {
		q.radPower[i] = alpha * (((rad*rad - i*i) * radBias) / (rad * rad))
	}
}

func (q *Quantizer) learn() {
	n := len(q.pix)
	if n < minPictureBytes {
		q.sample = 1
	}
	q.alphaDec = 30 + (q.sample-1)/3
	samplePixels := n / (3 * q.sample)
	delta := samplePixels / nCycles
	alpha := initAlpha
	radius := initRadius

	rad := radius >> radiusBiasShift
	if rad <= 1 {
		rad = 0
	}
	q.setRadPower(rad, alpha)

	step := q.step()
	pix := 0
	for i := 0; i < samplePixels; {
		b := int(q.pix[pix]) << netBiasShift
		g := int(q.pix[pix+1]) << netBiasShift
		r := int(q.pix[pix+2]) << netBiasShift
		j := q.contest(b, g, r)

		q.alterSingle(alpha, j, b, g, r)
		if rad != 0 {
			q.alterNeighbours(rad, j, b, g, r)
		}

		pix += step
		if pix >= n {
			pix -= n
		}

		i++
		if delta == 0 {
			delta = 1
		}
		if i%delta == 0 {
			alpha -= alpha / q.alphaDec
			radius -= radius / radiusDec
			rad = radius >> radiusBiasShift
			if rad <= 1 {
				rad = 0
			}
			q.setRadPower(rad, alpha)
		}
	}
}

// Map returns the palette index closest to (b, g, r). It searches outwards
// from the green index in both directions at once and stops a direction as
// soon as the green distance alone cannot beat the best match. Valid only
// after Process.
func (q *Quantizer) Map(b, g, r int) int {
	bestD := 1000 // larger than any L1 distance (3*255)
	best := -1
	i := q.netIndex[g]
	j := i - 1

	for i < netSize || j >= 0 {
		if i < netSize {
			p := &q.network[i]
			dist := p[1] - g
			if dist >= bestD {
				i = netSize
			} else {
				i++
				if dist < 0 {
					dist = -dist
				}
				dist += abs(p[0] - b)
				if dist < bestD {
					dist += abs(p[2] - r)
					if dist < bestD {
						bestD = dist
						best = p[3]
					}
				}
			}
		}
		if j >= 0 {
			p := &q.network[j]
			dist := g - p[1]
			if dist >= bestD {
				j = -1
			} else {
				j--
				if dist < 0 {
					dist = -dist
				}
				dist += abs(p[0] - b)
				if dist < bestD {
					dist += abs(p[2] - r)
					if dist < bestD {
						bestD = dist
						best = p[3]
					}
				}
			}
		}
	}
	return best
}

func (q *Quantizer) unbias() {
	for i := range q.network {
		n := &q.network[i]
		n[0] >>= netBiasShift
		n[1] >>= netBiasShift
		n[2] >>= netBiasShift
		n[3] = i
	}
}

// alterNeighbours moves the neurons within rad of i towards (b, g, r),
// weighted by radPower.
func (q *Quantizer) alterNeighbours(rad, i, b, g, r int) {
	lo := i - rad
	if lo < -1 {
		lo = -1
	}
	hi := i + rad
	if hi > netSize {
		hi = netSize
	}

	j := i + 1
	k := i - 1
	m := 1
	for j < hi || k > lo {
		a := q.radPower[m]
		m++
		if j < hi {
			p := &q.network[j]
			j++
			p[0] -= (a * (p[0] - b)) / alphaRadBias
			p[1] -= (a * (p[1] - g)) / alphaRadBias
			p[2] -= (a * (p[2] - r)) / alphaRadBias
		}
		if k > lo {
			p := &q.network[k]
			k--
			p[0] -= (a * (p[0] - b)) / alphaRadBias
			p[1] -= (a * (p[1] - g)) / alphaRadBias
			p[2] -= (a * (p[2] - r)) / alphaRadBias
		}
	}
}

func (q *Quantizer) alterSingle(alpha, i, b, g, r int) {
	n := &q.network[i]
	n[0] -= (alpha * (n[0] - b)) / initAlpha
	n[1] -= (alpha * (n[1] - g)) / initAlpha
	n[2] -= (alpha * (n[2] - r)) / initAlpha
}

// contest finds the closest neuron and updates the frequency/bias terms.
// It returns the best neuron once bias is accounted for: frequently chosen
// neurons carry a negative bias and become harder to win.
func (q *Quantizer) contest(b, g, r int) int {
	bestD := math.MaxInt32
	bestBiasD := bestD
	bestPos := -1
	bestBiasPos := -1

	for i := range q.network {
		n := &q.network[i]
		dist := abs(n[0]-b) + abs(n[1]-g) + abs(n[2]-r)
		if dist < bestD {
			bestD = dist
			bestPos = i
		}
		biasDist := dist - (q.bias[i] >> (intBiasShift - netBiasShift))
		if biasDist < bestBiasD {
			bestBiasD = biasDist
			bestBiasPos = i
		}
		betaFreq := q.freq[i] >> betaShift
		q.freq[i] -= betaFreq
		q.bias[i] += betaFreq << gammaShift
	}
	q.freq[bestPos] += beta
	q.bias[bestPos] -= betaGamma
	return bestBiasPos
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
