// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Format and the 4-byte stereo sample unit helpers
// Package audio provides the PCM format types shared by the server and its sources.
//
// The server moves audio in sample units: one interleaved stereo frame of two
// signed 16-bit little-endian samples, SampleUnitSize bytes long. Buffer sizes
// and delays are counted in units.
//
// Example:
//
//	format := audio.DAT(48000)
//	batch := make([]byte, format.UnitsPer(100)*audio.SampleUnitSize)
//
//	// Convert a 24-bit decoder sample to the 16-bit stream
//	s := audio.ScaleToInt16(sample24, 24)
package audio
