// ABOUTME: Tests for WAVE header generation
// ABOUTME: Verifies byte layout, sentinels, and round-trip parsing
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/harperreed/datstream/pkg/audio"
)

func TestNewHeader_Layout(t *testing.T) {
	b := NewHeader(audio.DAT(48000)).Bytes()

	if len(b) != HeaderSize {
		t.Fatalf("expected %d bytes, got %d", HeaderSize, len(b))
	}

	tags := []struct {
		offset int
		tag    string
	}{
		{0, "RIFF"},
		{8, "WAVE"},
		{12, "fmt "},
		{36, "data"},
	}
	for _, tt := range tags {
		if got := string(b[tt.offset : tt.offset+4]); got != tt.tag {
			t.Errorf("offset %d: expected %q, got %q", tt.offset, tt.tag, got)
		}
	}

	fields := []struct {
		name     string
		got      uint32
		expected uint32
	}{
		{"riff size", binary.LittleEndian.Uint32(b[4:]), StreamingRIFFSize},
		{"fmt size", binary.LittleEndian.Uint32(b[16:]), 16},
		{"format", uint32(binary.LittleEndian.Uint16(b[20:])), 1},
		{"channels", uint32(binary.LittleEndian.Uint16(b[22:])), 2},
		{"sample rate", binary.LittleEndian.Uint32(b[24:]), 48000},
		{"byte rate", binary.LittleEndian.Uint32(b[28:]), 192000},
		{"block align", uint32(binary.LittleEndian.Uint16(b[32:])), 4},
		{"bits", uint32(binary.LittleEndian.Uint16(b[34:])), 16},
		{"data size", binary.LittleEndian.Uint32(b[40:]), StreamingDataSize},
	}
	for _, f := range fields {
		if f.got != f.expected {
			t.Errorf("%s: expected %d, got %d", f.name, f.expected, f.got)
		}
	}
}

func TestHeader_BytesIsCopy(t *testing.T) {
	h := NewHeader(audio.DAT(48000))
	b := h.Bytes()
	b[0] = 'X'

	if !bytes.Equal(h.Bytes()[0:4], []byte("RIFF")) {
		t.Error("mutating Bytes() result should not affect the header")
	}
}

func TestParse_RoundTrip(t *testing.T) {
	want := audio.DAT(44100)

	got, err := Parse(NewHeader(want).Bytes())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestParse_Rejects(t *testing.T) {
	good := NewHeader(audio.DAT(48000)).Bytes()

	notRIFF := append([]byte(nil), good...)
	copy(notRIFF, "RIFX")

	float := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(float[20:], 3)

	tests := []struct {
		name string
		data []byte
	}{
		{"short", good[:20]},
		{"wrong tag", notRIFF},
		{"float format", float},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.data); !errors.Is(err, ErrNotWAVE) {
				t.Errorf("expected ErrNotWAVE, got %v", err)
			}
		})
	}
}

func TestHeader_WithDataSize(t *testing.T) {
	h := NewHeader(audio.DAT(48000))
	sized := h.WithDataSize(192000).Bytes()

	if got := binary.LittleEndian.Uint32(sized[40:44]); got != 192000 {
		t.Errorf("data size = %d, want 192000", got)
	}
	if got := binary.LittleEndian.Uint32(sized[4:8]); got != 192000+36 {
		t.Errorf("RIFF size = %d, want %d", got, 192000+36)
	}

	// The receiver header stays unbounded
	if got := binary.LittleEndian.Uint32(h.Bytes()[40:44]); got != StreamingDataSize {
		t.Errorf("original header modified: data size = %#x", got)
	}
}
