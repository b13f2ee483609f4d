// ABOUTME: Simple linear resampler for converting audio sample rates
// ABOUTME: Works on S16LE stereo sample units and stays continuous across chunks
package resample

import (
	"encoding/binary"

	"github.com/harperreed/datstream/pkg/audio"
)

// Resampler performs linear interpolation to convert between sample rates
type Resampler struct {
	inputRate  int
	outputRate int
	ratio      float64

	// position is measured in input frames, where frame 0 is prev
	position float64
	prev     [2]int16
	primed   bool
}

// New creates a new resampler
func New(inputRate, outputRate int) *Resampler {
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		ratio:      float64(inputRate) / float64(outputRate),
	}
}

// Ratio returns input frames consumed per output frame
func (r *Resampler) Ratio() float64 {
	return r.ratio
}

func frame(b []byte, i int) [2]int16 {
	off := i * audio.SampleUnitSize
	return [2]int16{
		int16(binary.LittleEndian.Uint16(b[off:])),
		int16(binary.LittleEndian.Uint16(b[off+2:])),
	}
}

// Process appends the resampled units for input to dst and returns the
// extended slice. The last input frame is carried over so consecutive calls
// interpolate across chunk boundaries.
func (r *Resampler) Process(dst, input []byte) []byte {
	n := audio.Units(len(input))
	if n == 0 {
		return dst
	}

	if !r.primed {
		r.prev = frame(input, 0)
		r.primed = true
	}

	at := func(k int) [2]int16 {
		if k == 0 {
			return r.prev
		}
		return frame(input, k-1)
	}

	var unit [audio.SampleUnitSize]byte
	for r.position < float64(n) {
		idx := int(r.position)
		frac := r.position - float64(idx)
		a, b := at(idx), at(idx+1)

		left := float64(a[0])*(1.0-frac) + float64(b[0])*frac
		right := float64(a[1])*(1.0-frac) + float64(b[1])*frac
		audio.PutUnit(unit[:], int16(left), int16(right))
		dst = append(dst, unit[:]...)

		r.position += r.ratio
	}

	r.position -= float64(n)
	r.prev = frame(input, n-1)
	return dst
}

// InputUnitsNeeded estimates how many input units produce outputUnits
func (r *Resampler) InputUnitsNeeded(outputUnits int) int {
	return int(float64(outputUnits)*r.ratio) + 1
}

// Reset resets the resampler state
func (r *Resampler) Reset() {
	r.position = 0.0
	r.prev = [2]int16{}
	r.primed = false
}
