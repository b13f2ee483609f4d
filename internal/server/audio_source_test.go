// ABOUTME: Tests for producer sources and the producer loop
// ABOUTME: Covers WAVE header skipping, unit alignment, format checks and pacing
package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harperreed/datstream/pkg/audio"
	"github.com/harperreed/datstream/pkg/audio/wav"
)

func TestRawSourceSkipsWAVEHeader(t *testing.T) {
	format := audio.DAT(44100)
	stream := append(wav.NewHeader(format).Bytes(), counterUnits(0, 8)...)

	src, err := NewRawSource("stdin", bytes.NewReader(stream), audio.DAT(audio.DefaultSampleRate))
	if err != nil {
		t.Fatalf("NewRawSource failed: %v", err)
	}

	if src.Format() != format {
		t.Errorf("expected format from header %s, got %s", format, src.Format())
	}

	buf := make([]byte, 8*audio.SampleUnitSize)
	n, err := src.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf[:n], counterUnits(0, 8)) {
		t.Error("audio after the header was not passed through")
	}
}

func TestRawSourceWithoutHeader(t *testing.T) {
	src, err := NewRawSource("stdin", bytes.NewReader(counterUnits(0, 4)), audio.DAT(audio.DefaultSampleRate))
	if err != nil {
		t.Fatalf("NewRawSource failed: %v", err)
	}
	if !src.Realtime() {
		t.Error("a plain reader should be treated as a live source")
	}

	buf := make([]byte, 4*audio.SampleUnitSize)
	n, err := src.Read(buf)
	if err != nil || n != len(buf) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !bytes.Equal(buf, counterUnits(0, 4)) {
		t.Error("raw audio was modified")
	}
}

func TestRawSourceDropsTrailingPartialUnit(t *testing.T) {
	data := append(counterUnits(0, 3), 0xAA, 0xBB)
	src, _ := NewRawSource("stdin", bytes.NewReader(data), audio.DAT(audio.DefaultSampleRate))

	buf := make([]byte, 8*audio.SampleUnitSize)
	n, err := src.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 3*audio.SampleUnitSize {
		t.Errorf("expected 3 whole units, got %d bytes", n)
	}

	if _, err := src.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestRawSourceRejectsBadHeader(t *testing.T) {
	bad := make([]byte, wav.HeaderSize)
	copy(bad, "RIFF")
	if _, err := NewRawSource("stdin", bytes.NewReader(bad), audio.DAT(audio.DefaultSampleRate)); !errors.Is(err, wav.ErrNotWAVE) {
		t.Errorf("expected ErrNotWAVE, got %v", err)
	}
}

func TestTestToneSource(t *testing.T) {
	src := NewTestToneSource(audio.DAT(audio.DefaultSampleRate))

	buf := make([]byte, 100*audio.SampleUnitSize+3)
	n, err := src.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 100*audio.SampleUnitSize {
		t.Errorf("expected 100 whole units, got %d bytes", n)
	}

	nonZero := false
	for i := 0; i < 100; i++ {
		unit := buf[i*audio.SampleUnitSize:]
		left := binary.LittleEndian.Uint16(unit)
		right := binary.LittleEndian.Uint16(unit[2:])
		if left != right {
			t.Fatalf("unit %d: channels differ", i)
		}
		if left != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Error("expected a non-silent tone")
	}
}

func writeWAV(t *testing.T, name string, format audio.Format, units int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	data := append(wav.NewHeader(format).Bytes(), counterUnits(0, units)...)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return path
}

func TestNewAudioSourceLayoutMismatch(t *testing.T) {
	mono := audio.Format{SampleRate: audio.DefaultSampleRate, Channels: 1, BitDepth: 16}
	path := writeWAV(t, "mono.wav", mono, 16)

	_, err := NewAudioSource(path, audio.DAT(audio.DefaultSampleRate))
	if !errors.Is(err, ErrFormatMismatch) {
		t.Fatalf("expected ErrFormatMismatch, got %v", err)
	}
}

func TestNewAudioSourceMatchingFile(t *testing.T) {
	path := writeWAV(t, "dat.wav", audio.DAT(audio.DefaultSampleRate), 16)

	src, err := NewAudioSource(path, audio.DAT(audio.DefaultSampleRate))
	if err != nil {
		t.Fatalf("matching format rejected: %v", err)
	}
	defer src.Close()

	if _, ok := src.(*RawSource); !ok {
		t.Errorf("expected the file to be read directly, got %T", src)
	}
	if src.Realtime() {
		t.Error("a file source should be paced")
	}
}

func TestNewAudioSourceResamples(t *testing.T) {
	path := writeWAV(t, "cd.wav", audio.DAT(44100), 4410)

	src, err := NewAudioSource(path, audio.DAT(audio.DefaultSampleRate))
	if err != nil {
		t.Fatalf("NewAudioSource failed: %v", err)
	}
	defer src.Close()

	if src.Format() != audio.DAT(audio.DefaultSampleRate) {
		t.Errorf("expected resampled format, got %s", src.Format())
	}

	// 100ms at 44.1kHz comes out as about 100ms at 48kHz
	total := 0
	buf := make([]byte, 1000*audio.SampleUnitSize)
	for {
		n, err := src.Read(buf)
		if n%audio.SampleUnitSize != 0 {
			t.Fatalf("read %d bytes, not whole units", n)
		}
		total += audio.Units(n)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("Read failed: %v", err)
			}
			break
		}
	}

	if total < 4790 || total > 4810 {
		t.Errorf("expected about 4800 units, got %d", total)
	}
}

func TestNewAudioSourceErrors(t *testing.T) {
	dir := t.TempDir()
	unsupported := filepath.Join(dir, "song.ogg")
	os.WriteFile(unsupported, []byte("OggS"), 0644)

	tests := []struct {
		name  string
		input string
	}{
		{"missing file", filepath.Join(dir, "nope.mp3")},
		{"unsupported extension", unsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAudioSource(tt.input, audio.DAT(audio.DefaultSampleRate)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestNewAudioSourceTone(t *testing.T) {
	src, err := NewAudioSource(ToneInput, audio.DAT(audio.DefaultSampleRate))
	if err != nil {
		t.Fatalf("NewAudioSource failed: %v", err)
	}
	if _, ok := src.(*TestToneSource); !ok {
		t.Errorf("expected a test tone source, got %T", src)
	}
}

type errorSource struct {
	*TestToneSource
	err error
}

func (s *errorSource) Read(p []byte) (int, error) { return 0, s.err }
func (s *errorSource) Realtime() bool             { return true }

func TestProducerDeliversBatchesUntilEOF(t *testing.T) {
	src, _ := NewRawSource("stdin", bytes.NewReader(counterUnits(0, 10)), audio.DAT(audio.DefaultSampleRate))
	p := NewProducer(src, 4)

	go p.Run(context.Background())

	var got [][]byte
	for batch := range p.Batches() {
		got = append(got, batch)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(got))
	}
	if audio.Units(len(got[2])) != 2 {
		t.Errorf("expected a short final batch of 2 units, got %d", audio.Units(len(got[2])))
	}
	if !bytes.Equal(bytes.Join(got, nil), counterUnits(0, 10)) {
		t.Error("batches do not reproduce the input")
	}
	if p.Err() != nil {
		t.Errorf("end of stream should not be an error, got %v", p.Err())
	}
}

func TestProducerRecordsReadError(t *testing.T) {
	boom := errors.New("device unplugged")
	src := &errorSource{TestToneSource: NewTestToneSource(audio.DAT(audio.DefaultSampleRate)), err: boom}
	p := NewProducer(src, 4)

	p.Run(context.Background())

	if _, ok := <-p.Batches(); ok {
		t.Error("expected the batch channel to be closed")
	}
	if !errors.Is(p.Err(), boom) {
		t.Errorf("expected read error, got %v", p.Err())
	}
}

func TestProducerPacesGeneratedAudio(t *testing.T) {
	format := audio.DAT(audio.DefaultSampleRate)
	p := NewProducer(NewTestToneSource(format), format.UnitsPer(20))

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	start := time.Now()
	for i := 0; i < 5; i++ {
		<-p.Batches()
	}
	elapsed := time.Since(start)
	cancel()

	// Five 20ms batches cannot arrive much faster than real time
	if elapsed < 80*time.Millisecond {
		t.Errorf("batches arrived too fast: %v", elapsed)
	}

	// Cancelling closes the channel
	for range p.Batches() {
	}
}
