// ABOUTME: Producer sources feeding the delay buffer with S16LE stereo sample units
// ABOUTME: Supports raw stdin, MP3 and FLAC files, HTTP MP3 streams, ffmpeg and a test tone
package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"

	"github.com/harperreed/datstream/pkg/audio"
	"github.com/harperreed/datstream/pkg/audio/resample"
	"github.com/harperreed/datstream/pkg/audio/wav"
)

const (
	// StdinInput selects raw PCM on standard input
	StdinInput = "-"
	// ToneInput selects the built-in test tone
	ToneInput = "tone"
)

// ErrFormatMismatch is returned when a source's sample layout differs from the server's
var ErrFormatMismatch = errors.New("source format does not match server format")

// AudioSource provides PCM sample units
type AudioSource interface {
	// Read fills p with whole S16LE stereo sample units and returns the byte count
	Read(p []byte) (int, error)
	// Format returns the format of the units Read produces
	Format() audio.Format
	// Realtime reports whether the source already delivers audio at playback speed
	Realtime() bool
	// Metadata returns title, artist, album
	Metadata() (title, artist, album string)
	// Close closes the audio source
	Close() error
}

// NewAudioSource opens the producer named by input and checks it against format
func NewAudioSource(input string, format audio.Format) (AudioSource, error) {
	source, err := openSource(input, format)
	if err != nil {
		return nil, err
	}

	got := source.Format()
	if got.Channels != format.Channels || got.BitDepth != format.BitDepth {
		source.Close()
		return nil, fmt.Errorf("%w: %s delivers %s, server runs %s", ErrFormatMismatch, input, got, format)
	}
	if got.SampleRate != format.SampleRate {
		log.Printf("Resampling %s from %d Hz to %d Hz", input, got.SampleRate, format.SampleRate)
		return NewResampledSource(source, format.SampleRate), nil
	}

	return source, nil
}

func openSource(input string, format audio.Format) (AudioSource, error) {
	switch {
	case input == "" || input == StdinInput:
		return NewRawSource("stdin", os.Stdin, format)
	case input == ToneInput:
		return NewTestToneSource(format), nil
	case strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://"):
		if strings.Contains(input, ".m3u8") {
			log.Printf("Streaming from HLS URL: %s", input)
			return NewFFmpegSource(input, format)
		}
		log.Printf("Streaming from HTTP URL: %s", input)
		return NewHTTPMP3Source(input)
	}

	if _, err := os.Stat(input); os.IsNotExist(err) {
		return nil, fmt.Errorf("audio file not found: %s", input)
	}

	switch ext := strings.ToLower(filepath.Ext(input)); ext {
	case ".mp3":
		return NewMP3Source(input)
	case ".flac":
		return NewFLACSource(input)
	case ".wav", ".pcm", ".raw":
		f, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", input, err)
		}
		return NewRawSource(filepath.Base(input), f, format)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s (supported: .mp3, .flac, .wav, .raw)", ext)
	}
}

// RawSource reads interleaved S16LE stereo PCM, skipping a leading WAVE header
type RawSource struct {
	name   string
	r      *bufio.Reader
	closer io.Closer
	format audio.Format
}

// NewRawSource wraps r. If the stream starts with a RIFF tag its header is
// parsed and its format replaces the assumed one.
func NewRawSource(name string, r io.Reader, format audio.Format) (*RawSource, error) {
	s := &RawSource{
		name:   name,
		r:      bufio.NewReaderSize(r, 64*1024),
		format: format,
	}
	if c, ok := r.(io.Closer); ok && r != os.Stdin {
		s.closer = c
	}

	magic, err := s.r.Peek(4)
	if err == nil && bytes.Equal(magic, []byte("RIFF")) {
		hdr := make([]byte, wav.HeaderSize)
		if _, err := io.ReadFull(s.r, hdr); err != nil {
			return nil, fmt.Errorf("failed to read WAVE header from %s: %w", name, err)
		}
		f, err := wav.Parse(hdr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		log.Printf("Skipped WAVE header on %s (%s)", name, f)
		s.format = f
	}

	return s, nil
}

// Read blocks until p is full or the stream ends. A trailing partial unit is discarded.
func (s *RawSource) Read(p []byte) (int, error) {
	p = p[:len(p)-len(p)%audio.SampleUnitSize]
	n, err := io.ReadFull(s.r, p)
	n -= n % audio.SampleUnitSize
	if err == io.ErrUnexpectedEOF {
		if n > 0 {
			return n, nil
		}
		err = io.EOF
	}
	return n, err
}

func (s *RawSource) Format() audio.Format { return s.format }
func (s *RawSource) Realtime() bool        { return s.closer == nil }
func (s *RawSource) Metadata() (string, string, string) {
	return s.name, "", ""
}
func (s *RawSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// MP3Source reads from an MP3 file, looping at the end
type MP3Source struct {
	file       *os.File
	decoder    *mp3.Decoder
	sampleRate int
	title      string
	artist     string
	album      string
}

// NewMP3Source creates a new MP3 audio source
func NewMP3Source(filePath string) (*MP3Source, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	filename := filepath.Base(filePath)
	title := strings.TrimSuffix(filename, filepath.Ext(filename))

	log.Printf("Loaded MP3: %s (sample rate: %d Hz)", title, decoder.SampleRate())

	return &MP3Source{
		file:       f,
		decoder:    decoder,
		sampleRate: decoder.SampleRate(),
		title:      title,
		artist:     "Unknown Artist",
		album:      "Unknown Album",
	}, nil
}

// Read returns decoded units. go-mp3 already produces S16LE stereo, so the
// bytes pass through untouched.
func (s *MP3Source) Read(p []byte) (int, error) {
	p = p[:len(p)-len(p)%audio.SampleUnitSize]
	total := 0
	rewound := false

	for total < len(p) {
		n, err := io.ReadFull(s.decoder, p[total:])
		total += n
		if err == nil {
			break
		}
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			return total - total%audio.SampleUnitSize, err
		}

		// An empty pass after a rewind means there is nothing to loop over
		if rewound && n == 0 {
			return total - total%audio.SampleUnitSize, io.EOF
		}
		if err := s.rewind(); err != nil {
			return total - total%audio.SampleUnitSize, err
		}
		rewound = true
	}

	return total, nil
}

func (s *MP3Source) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	decoder, err := mp3.NewDecoder(s.file)
	if err != nil {
		return fmt.Errorf("failed to create new decoder: %w", err)
	}
	s.decoder = decoder
	return nil
}

func (s *MP3Source) Format() audio.Format { return audio.DAT(s.sampleRate) }
func (s *MP3Source) Realtime() bool        { return false }
func (s *MP3Source) Metadata() (string, string, string) {
	return s.title, s.artist, s.album
}
func (s *MP3Source) Close() error {
	return s.file.Close()
}

// FLACSource reads from a FLAC file, looping at the end
type FLACSource struct {
	file       *os.File
	stream     *flac.Stream
	sampleRate int
	channels   int
	bitDepth   int
	pending    []byte
	title      string
	artist     string
	album      string
}

// NewFLACSource creates a new FLAC audio source
func NewFLACSource(filePath string) (*FLACSource, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	sampleRate := int(info.SampleRate)
	channels := int(info.NChannels)
	bitDepth := int(info.BitsPerSample)

	filename := filepath.Base(filePath)
	title := strings.TrimSuffix(filename, filepath.Ext(filename))

	log.Printf("Loaded FLAC: %s (sample rate: %d Hz, channels: %d, bit depth: %d)",
		title, sampleRate, channels, bitDepth)

	return &FLACSource{
		file:       f,
		stream:     stream,
		sampleRate: sampleRate,
		channels:   channels,
		bitDepth:   bitDepth,
		title:      title,
		artist:     "Unknown Artist",
		album:      "Unknown Album",
	}, nil
}

// Read decodes frames down to 16-bit stereo. Mono is duplicated to both
// channels and anything beyond two channels is dropped.
func (s *FLACSource) Read(p []byte) (int, error) {
	p = p[:len(p)-len(p)%audio.SampleUnitSize]
	total := 0
	rewound := false

	for total < len(p) {
		if len(s.pending) > 0 {
			n := copy(p[total:], s.pending)
			s.pending = s.pending[n:]
			total += n
			continue
		}

		frame, err := s.stream.ParseNext()
		if err != nil {
			if err != io.EOF {
				return total, err
			}
			if rewound {
				return total, io.EOF
			}
			if err := s.rewind(); err != nil {
				return total, err
			}
			rewound = true
			continue
		}
		rewound = false

		left := frame.Subframes[0].Samples
		right := left
		if len(frame.Subframes) > 1 {
			right = frame.Subframes[1].Samples
		}

		buf := make([]byte, int(frame.BlockSize)*audio.SampleUnitSize)
		for i := 0; i < int(frame.BlockSize); i++ {
			audio.PutUnit(buf[i*audio.SampleUnitSize:],
				audio.ScaleToInt16(left[i], s.bitDepth),
				audio.ScaleToInt16(right[i], s.bitDepth))
		}
		s.pending = buf
	}

	return total, nil
}

func (s *FLACSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	stream, err := flac.New(s.file)
	if err != nil {
		return fmt.Errorf("failed to create new stream: %w", err)
	}
	s.stream = stream
	return nil
}

func (s *FLACSource) Format() audio.Format { return audio.DAT(s.sampleRate) }
func (s *FLACSource) Realtime() bool        { return false }
func (s *FLACSource) Metadata() (string, string, string) {
	return s.title, s.artist, s.album
}
func (s *FLACSource) Close() error {
	return s.file.Close()
}

// HTTPMP3Source streams MP3 from an HTTP URL
type HTTPMP3Source struct {
	url        string
	response   *http.Response
	decoder    *mp3.Decoder
	sampleRate int
	title      string
}

// NewHTTPMP3Source creates a new HTTP MP3 streaming source
func NewHTTPMP3Source(url string) (*HTTPMP3Source, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch HTTP stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	decoder, err := mp3.NewDecoder(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to decode MP3 stream: %w", err)
	}

	log.Printf("Streaming MP3 from HTTP: %s (sample rate: %d Hz)", url, decoder.SampleRate())

	return &HTTPMP3Source{
		url:        url,
		response:   resp,
		decoder:    decoder,
		sampleRate: decoder.SampleRate(),
		title:      "HTTP Stream",
	}, nil
}

// Read does not loop; the end of the HTTP body ends the stream
func (s *HTTPMP3Source) Read(p []byte) (int, error) {
	p = p[:len(p)-len(p)%audio.SampleUnitSize]
	n, err := io.ReadFull(s.decoder, p)
	n -= n % audio.SampleUnitSize
	if err == io.ErrUnexpectedEOF && n > 0 {
		err = nil
	}
	return n, err
}

func (s *HTTPMP3Source) Format() audio.Format { return audio.DAT(s.sampleRate) }
func (s *HTTPMP3Source) Realtime() bool        { return false }
func (s *HTTPMP3Source) Metadata() (string, string, string) {
	return s.title, "HTTP Stream", ""
}
func (s *HTTPMP3Source) Close() error {
	if s.response != nil {
		return s.response.Body.Close()
	}
	return nil
}

// FFmpegSource decodes any URL or format ffmpeg understands (HLS, DASH)
// into PCM at the server's format
type FFmpegSource struct {
	url    string
	cmd    *exec.Cmd
	stdout io.ReadCloser
	raw    *RawSource
}

// NewFFmpegSource starts ffmpeg with S16LE output at the server rate
func NewFFmpegSource(url string, format audio.Format) (*FFmpegSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	cmd := exec.Command("ffmpeg",
		"-loglevel", "error",
		"-i", url,
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"-")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get ffmpeg stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	log.Printf("Streaming via ffmpeg: %s (%s)", url, format)

	raw := &RawSource{name: "ffmpeg", r: bufio.NewReader(stdout), format: format}
	return &FFmpegSource{url: url, cmd: cmd, stdout: stdout, raw: raw}, nil
}

func (s *FFmpegSource) Read(p []byte) (int, error) { return s.raw.Read(p) }
func (s *FFmpegSource) Format() audio.Format        { return s.raw.format }
func (s *FFmpegSource) Realtime() bool              { return false }
func (s *FFmpegSource) Metadata() (string, string, string) {
	return "Live Stream", s.url, ""
}
func (s *FFmpegSource) Close() error {
	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
	}
	return nil
}

// ResampledSource wraps an AudioSource and resamples to a target sample rate
type ResampledSource struct {
	source     AudioSource
	resampler  *resample.Resampler
	targetRate int
	scratch    []byte
	pending    []byte
	err        error
}

// NewResampledSource creates a resampling wrapper around an audio source
func NewResampledSource(source AudioSource, targetRate int) *ResampledSource {
	return &ResampledSource{
		source:     source,
		resampler:  resample.New(source.Format().SampleRate, targetRate),
		targetRate: targetRate,
	}
}

func (r *ResampledSource) Read(p []byte) (int, error) {
	p = p[:len(p)-len(p)%audio.SampleUnitSize]

	for len(r.pending) < len(p) && r.err == nil {
		need := r.resampler.InputUnitsNeeded(audio.Units(len(p)-len(r.pending))) * audio.SampleUnitSize
		if cap(r.scratch) < need {
			r.scratch = make([]byte, need)
		}

		n, err := r.source.Read(r.scratch[:need])
		if n > 0 {
			r.pending = r.resampler.Process(r.pending, r.scratch[:n])
		}
		r.err = err
	}

	if len(r.pending) == 0 && r.err != nil {
		return 0, r.err
	}

	n := copy(p, r.pending)
	r.pending = r.pending[:copy(r.pending, r.pending[n:])]
	return n, nil
}

func (r *ResampledSource) Format() audio.Format {
	f := r.source.Format()
	f.SampleRate = r.targetRate
	return f
}

func (r *ResampledSource) Realtime() bool {
	return r.source.Realtime()
}

func (r *ResampledSource) Metadata() (string, string, string) {
	return r.source.Metadata()
}

func (r *ResampledSource) Close() error {
	return r.source.Close()
}
