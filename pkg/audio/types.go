// ABOUTME: Audio type definitions
// ABOUTME: Defines the fixed PCM stream format and sample unit helpers
package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	// DefaultSampleRate is the DAT rate the server runs at unless configured otherwise
	DefaultSampleRate = 48000
	DefaultChannels   = 2
	DefaultBitDepth   = 16

	// SampleUnitSize is the size of one interleaved stereo S16 frame in bytes
	SampleUnitSize = 4
)

// Format describes a linear PCM stream
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DAT returns the 48kHz stereo S16LE format at the given sample rate
func DAT(sampleRate int) Format {
	if sampleRate == 0 {
		sampleRate = DefaultSampleRate
	}
	return Format{
		SampleRate: sampleRate,
		Channels:   DefaultChannels,
		BitDepth:   DefaultBitDepth,
	}
}

// BlockAlign returns the size of one frame (all channels) in bytes
func (f Format) BlockAlign() int {
	return f.Channels * f.BitDepth / 8
}

// ByteRate returns the number of bytes per second of audio
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// UnitsPer returns the number of sample units in ms milliseconds of audio
func (f Format) UnitsPer(ms int) int {
	return f.SampleRate * ms / 1000
}

// Validate checks that the format matches the server's sample unit layout
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}
	if f.BlockAlign() != SampleUnitSize {
		return fmt.Errorf("unsupported layout: %d channels x %d bit (need %d-byte frames)",
			f.Channels, f.BitDepth, SampleUnitSize)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.SampleRate, f.BitDepth, f.Channels)
}

// ScaleToInt16 converts a signed sample of the given bit depth to 16-bit range
func ScaleToInt16(sample int32, bitDepth int) int16 {
	switch {
	case bitDepth == 16:
		return int16(sample)
	case bitDepth > 16:
		return int16(sample >> (bitDepth - 16))
	default:
		return int16(sample << (16 - bitDepth))
	}
}

// PutUnit writes one stereo S16LE sample unit into dst
func PutUnit(dst []byte, left, right int16) {
	binary.LittleEndian.PutUint16(dst[0:], uint16(left))
	binary.LittleEndian.PutUint16(dst[2:], uint16(right))
}

// Units returns the number of whole sample units in n bytes
func Units(n int) int {
	return n / SampleUnitSize
}
