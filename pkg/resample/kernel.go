package resample

import "math"

// sincKernel is a table of a windowed-sinc low-pass filter, precomputed at
// oversamplingFactor sub-sample offsets so interpolation at any fractional
// position is a cheap table lookup plus cubic interpolation between the two
// nearest table rows, rather than evaluating sin()/cos() per output sample.
type sincKernel struct {
	halfLength int
	oversample int
	table      [][]float64 // table[phase][tap], phase in [0, oversample]
}

func newSincKernel(length, oversample int) *sincKernel {
	half := length / 2
	k := &sincKernel{halfLength: half, oversample: oversample}
	k.table = make([][]float64, oversample+1)

	for phase := 0; phase <= oversample; phase++ {
		frac := float64(phase) / float64(oversample)
		row := make([]float64, length)
		for tap := 0; tap < length; tap++ {
			// Distance from the continuous sample position to this tap,
			// in input-sample units.
			x := float64(tap-half) + (1 - frac)
			row[tap] = sinc(x) * blackmanHarris(float64(tap)/float64(length-1))
		}
		k.table[phase] = row
	}
	return k
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackmanHarris evaluates the 4-term Blackman-Harris window at t in [0,1].
func blackmanHarris(t float64) float64 {
	const (
		a0 = 0.35875
		a1 = 0.48829
		a2 = 0.14128
		a3 = 0.01168
	)
	x := 2 * math.Pi * t
	return a0 - a1*math.Cos(x) + a2*math.Cos(2*x) - a3*math.Cos(3*x)
}

// interpolate evaluates the filtered signal at fractional position
// center+frac, where history holds the (deinterleaved) input samples and
// center indexes into it. frac is in [0,1); the four nearest phase rows of
// the precomputed table are combined with cubic (Catmull-Rom) interpolation
// across the sub-sample phase axis.
func (k *sincKernel) interpolate(history []float64, center int, frac float64) float64 {
	phaseF := frac * float64(k.oversample)
	p1 := int(math.Floor(phaseF))
	pf := phaseF - float64(p1)

	p0 := clampPhase(p1-1, k.oversample)
	p1 = clampPhase(p1, k.oversample)
	p2 := clampPhase(p1+1, k.oversample)
	p3 := clampPhase(p1+2, k.oversample)

	row0, row1, row2, row3 := k.table[p0], k.table[p1], k.table[p2], k.table[p3]

	var sum float64
	for tap := 0; tap < len(row1); tap++ {
		idx := center + (tap - k.halfLength)
		if idx < 0 || idx >= len(history) {
			continue
		}
		w := catmullRom(row0[tap], row1[tap], row2[tap], row3[tap], pf)
		sum += history[idx] * w
	}
	return sum
}

func clampPhase(p, oversample int) int {
	if p < 0 {
		return 0
	}
	if p > oversample {
		return oversample
	}
	return p
}

// catmullRom interpolates between p1 and p2 (with neighbors p0, p3) at
// fractional position t in [0,1].
func catmullRom(p0, p1, p2, p3, t float64) float64 {
	a0 := -0.5*p0 + 1.5*p1 - 1.5*p2 + 0.5*p3
	a1 := p0 - 2.5*p1 + 2*p2 - 0.5*p3
	a2 := -0.5*p0 + 0.5*p2
	a3 := p1
	return ((a0*t+a1)*t+a2)*t + a3
}
