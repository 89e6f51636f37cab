package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/riff"
	"github.com/go-audio/wav"
)

const (
	formatPCM        = 1
	formatIEEEFloat  = 3
	formatExtensible = 0xFFFE
)

// Format describes a WAV stream header.
type Format struct {
	Channels    int
	SampleRate  int
	BitDepth    int
	AudioFormat int
}

// Waveform is decoded audio mixed down to mono, scaled to [-1, 1].
type Waveform struct {
	Samples    []float64
	SampleRate int
	Source     Format
	Decoder    string
}

// Duration returns the length of the waveform in seconds.
func (w Waveform) Duration() float64 {
	if w.SampleRate == 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// Probe reads the WAV header of path without decoding samples.
func Probe(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	d.ReadInfo()
	if !d.IsValidFile() {
		if err := d.Err(); err != nil {
			return Format{}, fmt.Errorf("read wav header: %w", err)
		}
		return Format{}, errors.New("not a valid wav file")
	}
	return Format{
		Channels:    int(d.NumChans),
		SampleRate:  int(d.SampleRate),
		BitDepth:    int(d.BitDepth),
		AudioFormat: int(d.WavAudioFormat),
	}, nil
}

// Decode loads path with the strict go-audio/wav decoder and falls back to a
// permissive RIFF chunk walk when the strict decoder rejects the file. Both
// errors are reported when neither succeeds.
func Decode(path string) (Waveform, error) {
	w, strictErr := decodeStrict(path)
	if strictErr == nil {
		return w, nil
	}
	w, looseErr := decodePermissive(path)
	if looseErr == nil {
		return w, nil
	}
	return Waveform{}, fmt.Errorf("strict decoder: %v; permissive decoder: %w", strictErr, looseErr)
}

func decodeStrict(path string) (Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return Waveform{}, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return Waveform{}, errors.New("invalid wav file")
	}
	if d.WavAudioFormat != formatPCM && d.WavAudioFormat != formatExtensible {
		return Waveform{}, fmt.Errorf("unsupported wav format %d", d.WavAudioFormat)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Waveform{}, fmt.Errorf("decode pcm: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return Waveform{}, errors.New("no samples")
	}
	format := Format{
		Channels:    int(d.NumChans),
		SampleRate:  int(d.SampleRate),
		BitDepth:    int(d.BitDepth),
		AudioFormat: int(d.WavAudioFormat),
	}
	return Waveform{
		Samples:    mixIntBuffer(buf, format),
		SampleRate: format.SampleRate,
		Source:     format,
		Decoder:    "wav",
	}, nil
}

func mixIntBuffer(buf *goaudio.IntBuffer, format Format) []float64 {
	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}
	scale := math.Pow(2, float64(format.BitDepth-1))
	offset := 0.0
	if format.BitDepth == 8 {
		offset = 128 // 8-bit wav is unsigned
	}
	frames := len(buf.Data) / channels
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += (float64(buf.Data[i*channels+c]) - offset) / scale
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// decodePermissive walks RIFF chunks directly. It tolerates bogus data chunk
// sizes (streamed ffmpeg output) and truncated trailing frames.
func decodePermissive(path string) (Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return Waveform{}, err
	}
	defer f.Close()

	p := riff.New(f)
	if err := p.ParseHeaders(); err != nil {
		return Waveform{}, fmt.Errorf("parse riff headers: %w", err)
	}

	var (
		haveFmt bool
		data    []byte
	)
chunks:
	for {
		chunk, err := p.NextChunk()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break chunks
			}
			return Waveform{}, fmt.Errorf("read chunk: %w", err)
		}
		switch chunk.ID {
		case riff.FmtID:
			if err := chunk.DecodeWavHeader(p); err != nil {
				return Waveform{}, fmt.Errorf("decode fmt chunk: %w", err)
			}
			haveFmt = true
		case riff.DataFormatID:
			var src io.Reader = chunk
			if chunk.Size > 0 && uint32(chunk.Size) != math.MaxUint32 {
				src = io.LimitReader(chunk, int64(chunk.Size))
			}
			data, err = io.ReadAll(src)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return Waveform{}, fmt.Errorf("read data chunk: %w", err)
			}
		default:
			if _, err := io.CopyN(io.Discard, chunk, int64(chunk.Size+chunk.Size%2)); err != nil {
				break chunks
			}
			continue
		}
		if chunk.Size%2 == 1 {
			_, _ = io.CopyN(io.Discard, chunk, 1)
		}
		if haveFmt && data != nil {
			break chunks
		}
	}

	if !haveFmt {
		return Waveform{}, errors.New("missing fmt chunk")
	}
	if len(data) == 0 {
		return Waveform{}, errors.New("missing or empty data chunk")
	}
	format := Format{
		Channels:    int(p.NumChannels),
		SampleRate:  int(p.SampleRate),
		BitDepth:    int(p.BitsPerSample),
		AudioFormat: int(p.WavAudioFormat),
	}
	samples, err := decodeFrames(data, format)
	if err != nil {
		return Waveform{}, err
	}
	return Waveform{
		Samples:    samples,
		SampleRate: format.SampleRate,
		Source:     format,
		Decoder:    "riff",
	}, nil
}

func decodeFrames(data []byte, format Format) ([]float64, error) {
	if format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid format %+v", format)
	}
	width := format.BitDepth / 8
	if width <= 0 {
		return nil, fmt.Errorf("unsupported bit depth %d", format.BitDepth)
	}
	frameSize := width * format.Channels
	frames := len(data) / frameSize
	if frames == 0 {
		return nil, errors.New("no complete frames")
	}

	sample := func(b []byte) (float64, error) {
		switch {
		case format.AudioFormat == formatIEEEFloat && width == 4:
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
		case format.AudioFormat == formatIEEEFloat && width == 8:
			return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
		case width == 1:
			return (float64(b[0]) - 128) / 128, nil
		case width == 2:
			return float64(int16(binary.LittleEndian.Uint16(b))) / 32768, nil
		case width == 3:
			v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
			if v&0x800000 != 0 {
				v |= ^0xFFFFFF
			}
			return float64(v) / 8388608, nil
		case width == 4:
			return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648, nil
		}
		return 0, fmt.Errorf("unsupported sample layout: format=%d bits=%d", format.AudioFormat, format.BitDepth)
	}

	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < format.Channels; c++ {
			off := i*frameSize + c*width
			v, err := sample(data[off : off+width])
			if err != nil {
				return nil, err
			}
			sum += v
		}
		out[i] = sum / float64(format.Channels)
	}
	return out, nil
}

// PCMStream exposes the raw little-endian PCM bytes of a WAV file.
type PCMStream struct {
	Format Format
	r      io.Reader
	f      *os.File
}

// OpenPCM positions a reader at the start of the data chunk of path.
func OpenPCM(path string) (*PCMStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		f.Close()
		return nil, errors.New("not a valid wav file")
	}
	format := Format{
		Channels:    int(d.NumChans),
		SampleRate:  int(d.SampleRate),
		BitDepth:    int(d.BitDepth),
		AudioFormat: int(d.WavAudioFormat),
	}
	if err := d.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek to pcm data: %w", err)
	}
	var r io.Reader = d.PCMChunk
	if d.PCMChunk != nil && d.PCMChunk.Size > 0 {
		r = io.LimitReader(d.PCMChunk, int64(d.PCMChunk.Size))
	}
	return &PCMStream{Format: format, r: r, f: f}, nil
}

func (s *PCMStream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *PCMStream) Close() error { return s.f.Close() }
