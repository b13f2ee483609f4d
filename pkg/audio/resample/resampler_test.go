// ABOUTME: Tests for the linear resampler
// ABOUTME: Checks output length, identity conversion and chunk continuity
package resample

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/harperreed/datstream/pkg/audio"
)

func ramp(n int) []byte {
	b := make([]byte, n*audio.SampleUnitSize)
	for i := 0; i < n; i++ {
		audio.PutUnit(b[i*audio.SampleUnitSize:], int16(i*10), int16(-i*10))
	}
	return b
}

func TestResamplerIdentity(t *testing.T) {
	r := New(48000, 48000)
	in := ramp(100)

	out := r.Process(nil, in)

	// The first output frame is the primed copy of the first input frame
	if audio.Units(len(out)) != 100 {
		t.Fatalf("expected 100 units, got %d", audio.Units(len(out)))
	}
	if !bytes.Equal(out[audio.SampleUnitSize:], in[:len(in)-audio.SampleUnitSize]) {
		t.Error("identity resampling should reproduce the input delayed by one frame")
	}
}

func TestResamplerOutputLength(t *testing.T) {
	tests := []struct {
		name    string
		in, out int
		units   int
	}{
		{"44.1k to 48k", 44100, 48000, 44100},
		{"96k to 48k", 96000, 48000, 96000},
		{"32k to 48k", 32000, 48000, 32000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.in, tt.out)

			// One second fed in 10ms chunks should yield about one second out
			var out []byte
			chunk := tt.in / 100
			src := ramp(tt.units)
			for off := 0; off < tt.units; off += chunk {
				out = r.Process(out, src[off*audio.SampleUnitSize:(off+chunk)*audio.SampleUnitSize])
			}

			got := audio.Units(len(out))
			if got < tt.out-2 || got > tt.out+2 {
				t.Errorf("expected about %d units, got %d", tt.out, got)
			}
		})
	}
}

func TestResamplerContinuousAcrossChunks(t *testing.T) {
	// 24k to 48k keeps every position exact so both runs must match bit for bit
	whole := New(24000, 48000)
	chunked := New(24000, 48000)
	in := ramp(441)

	want := whole.Process(nil, in)

	var got []byte
	for off := 0; off < 441; off += 49 {
		end := min(off+49, 441)
		got = chunked.Process(got, in[off*audio.SampleUnitSize:end*audio.SampleUnitSize])
	}

	if !bytes.Equal(got, want) {
		t.Errorf("chunked output differs from whole-buffer output (%d vs %d bytes)", len(got), len(want))
	}
}

func TestResamplerInterpolates(t *testing.T) {
	r := New(1, 2)
	in := make([]byte, 2*audio.SampleUnitSize)
	audio.PutUnit(in, 0, 0)
	audio.PutUnit(in[audio.SampleUnitSize:], 100, -100)

	out := r.Process(nil, in)

	// Frames at positions 0, 0.5, 1, 1.5 over prev=0, 0, 100
	wantLeft := []int16{0, 0, 0, 50}
	if audio.Units(len(out)) != len(wantLeft) {
		t.Fatalf("expected %d units, got %d", len(wantLeft), audio.Units(len(out)))
	}
	for i, want := range wantLeft {
		got := int16(binary.LittleEndian.Uint16(out[i*audio.SampleUnitSize:]))
		if got != want {
			t.Errorf("unit %d: left = %d, want %d", i, got, want)
		}
	}
}

func TestResamplerReset(t *testing.T) {
	r := New(44100, 48000)
	first := r.Process(nil, ramp(50))
	r.Reset()
	again := r.Process(nil, ramp(50))

	if !bytes.Equal(first, again) {
		t.Error("Reset should restore the initial state")
	}
}
