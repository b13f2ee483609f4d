// ABOUTME: Audio resampling package using linear interpolation
// ABOUTME: Converts S16LE stereo audio between sample rates
// Package resample provides audio sample rate conversion.
//
// Uses linear interpolation for converting between sample rates.
// Handles both upsampling and downsampling.
//
// Example:
//
//	r := resample.New(44100, 48000)
//	out = r.Process(out[:0], units)
package resample
