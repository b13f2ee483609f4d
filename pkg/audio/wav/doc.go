// ABOUTME: WAVE container package for streaming PCM
// ABOUTME: Provides the streaming header and a parser for incoming headers
// Package wav encodes and decodes the RIFF/WAVE header used to wrap an
// unbounded PCM stream.
//
// The header is computed once and shared by every consumer:
//
//	header := wav.NewHeader(audio.DAT(48000))
//	conn.Write(header.Bytes())
//
// Both size fields carry streaming sentinels, so players that honor the
// RIFF conventions treat the stream as having no known end.
package wav
