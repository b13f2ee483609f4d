// ABOUTME: RIFF/WAVE header for unbounded PCM streams
// ABOUTME: Builds the fixed 44-byte header sent to every consumer before audio data
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/harperreed/datstream/pkg/audio"
)

const (
	// HeaderSize is the size of a canonical PCM WAVE header
	HeaderSize = 44

	// StreamingRIFFSize and StreamingDataSize declare an unknown (unbounded) length.
	// They are the largest sizes that stay consistent with each other for a 44-byte header.
	StreamingRIFFSize = 0xFFFFFFF8
	StreamingDataSize = 0xFFFFFFD4

	formatPCM   = 1
	fmtChunkLen = 16
)

// ErrNotWAVE is returned by Parse when the bytes are not a PCM WAVE header
var ErrNotWAVE = errors.New("not a PCM WAVE header")

// Header is an immutable encoded WAVE header
type Header struct {
	raw    [HeaderSize]byte
	format audio.Format
}

// NewHeader builds the header for an unbounded stream of the given format
func NewHeader(format audio.Format) Header {
	var h Header
	h.format = format

	b := h.raw[:]
	copy(b[0:4], "RIFF")
	binary.LittleEndian.PutUint32(b[4:8], StreamingRIFFSize)
	copy(b[8:12], "WAVE")

	copy(b[12:16], "fmt ")
	binary.LittleEndian.PutUint32(b[16:20], fmtChunkLen)
	binary.LittleEndian.PutUint16(b[20:22], formatPCM)
	binary.LittleEndian.PutUint16(b[22:24], uint16(format.Channels))
	binary.LittleEndian.PutUint32(b[24:28], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(b[28:32], uint32(format.ByteRate()))
	binary.LittleEndian.PutUint16(b[32:34], uint16(format.BlockAlign()))
	binary.LittleEndian.PutUint16(b[34:36], uint16(format.BitDepth))

	copy(b[36:40], "data")
	binary.LittleEndian.PutUint32(b[40:44], StreamingDataSize)

	return h
}

// WithDataSize returns a copy of h declaring a finite data chunk of n bytes,
// for recordings whose length is known once they are closed
func (h Header) WithDataSize(n uint32) Header {
	if n > StreamingDataSize {
		n = StreamingDataSize
	}
	binary.LittleEndian.PutUint32(h.raw[4:8], n+HeaderSize-8)
	binary.LittleEndian.PutUint32(h.raw[40:44], n)
	return h
}

// Bytes returns a copy of the encoded header
func (h Header) Bytes() []byte {
	out := make([]byte, HeaderSize)
	copy(out, h.raw[:])
	return out
}

// Format returns the audio format the header describes
func (h Header) Format() audio.Format {
	return h.format
}

// Parse decodes a canonical 44-byte PCM WAVE header
func Parse(b []byte) (audio.Format, error) {
	if len(b) < HeaderSize {
		return audio.Format{}, fmt.Errorf("%w: short header (%d bytes)", ErrNotWAVE, len(b))
	}
	if !bytes.Equal(b[0:4], []byte("RIFF")) || !bytes.Equal(b[8:12], []byte("WAVE")) {
		return audio.Format{}, fmt.Errorf("%w: missing RIFF/WAVE tags", ErrNotWAVE)
	}
	if !bytes.Equal(b[12:16], []byte("fmt ")) || !bytes.Equal(b[36:40], []byte("data")) {
		return audio.Format{}, fmt.Errorf("%w: unexpected chunk layout", ErrNotWAVE)
	}
	if code := binary.LittleEndian.Uint16(b[20:22]); code != formatPCM {
		return audio.Format{}, fmt.Errorf("%w: format code %d", ErrNotWAVE, code)
	}

	return audio.Format{
		SampleRate: int(binary.LittleEndian.Uint32(b[24:28])),
		Channels:   int(binary.LittleEndian.Uint16(b[22:24])),
		BitDepth:   int(binary.LittleEndian.Uint16(b[34:36])),
	}, nil
}
