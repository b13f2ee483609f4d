// ABOUTME: Test tone generator for audio source
// ABOUTME: Generates a 440Hz sine wave as S16LE stereo sample units
package server

import (
	"math"
	"sync"

	"github.com/harperreed/datstream/pkg/audio"
)

// TestToneSource generates a 440Hz test tone
type TestToneSource struct {
	format      audio.Format
	sampleIndex uint64
	sampleMu    sync.Mutex
	frequency   float64
}

// NewTestToneSource creates a new test tone generator
func NewTestToneSource(format audio.Format) *TestToneSource {
	return &TestToneSource{
		format:    format,
		frequency: 440.0, // A4 note
	}
}

func (s *TestToneSource) Read(p []byte) (int, error) {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()

	numUnits := audio.Units(len(p))

	for i := 0; i < numUnits; i++ {
		t := float64(s.sampleIndex+uint64(i)) / float64(s.format.SampleRate)
		sample := math.Sin(2 * math.Pi * s.frequency * t)

		pcmValue := int16(sample * 32767.0 * 0.5) // 50% volume

		audio.PutUnit(p[i*audio.SampleUnitSize:], pcmValue, pcmValue)
	}

	s.sampleIndex += uint64(numUnits)

	return numUnits * audio.SampleUnitSize, nil
}

func (s *TestToneSource) Format() audio.Format { return s.format }
func (s *TestToneSource) Realtime() bool        { return false }
func (s *TestToneSource) Metadata() (string, string, string) {
	return "Test Tone", "datstream", ""
}
func (s *TestToneSource) Close() error { return nil }
