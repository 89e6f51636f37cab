package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-grammar/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeWav(t *testing.T, path string, sampleRate, channels int, data []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

// writeScript installs an executable shell script standing in for ffmpeg.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newNormalizer(t *testing.T, transcoder string) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(config.AudioConfig{Transcoder: transcoder, OutputSuffix: "_16k_mono.wav"}, testLogger())
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	return n
}

func TestNormalizeWritesCanonicalFile(t *testing.T) {
	fixture := filepath.Join(t.TempDir(), "fixture.wav")
	writeWav(t, fixture, CanonicalSampleRate, 1, make([]int, 1600))

	script := writeScript(t, `for last; do :; done
cp "`+fixture+`" "$last"`)
	n := newNormalizer(t, script)

	input := filepath.Join(t.TempDir(), "clip.mp3")
	if err := os.WriteFile(input, []byte("ID3 not really mp3"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	out, err := n.Normalize(context.Background(), input)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if want := strings.TrimSuffix(input, ".mp3") + "_16k_mono.wav"; out != want {
		t.Fatalf("output path = %q, want %q", out, want)
	}
	format, err := Probe(out)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if format.Channels != 1 || format.SampleRate != CanonicalSampleRate || format.BitDepth != CanonicalBitDepth {
		t.Fatalf("unexpected canonical format %+v", format)
	}
	if data, _ := os.ReadFile(input); string(data) != "ID3 not really mp3" {
		t.Fatal("input file was modified")
	}
}

func TestNormalizeTranscoderFailure(t *testing.T) {
	script := writeScript(t, `echo "Invalid data found when processing input" >&2
exit 1`)
	n := newNormalizer(t, script)

	input := filepath.Join(t.TempDir(), "broken.wav")
	if err := os.WriteFile(input, []byte("junk"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	_, err := n.Normalize(context.Background(), input)
	var convErr *ConversionError
	if !errors.As(err, &convErr) {
		t.Fatalf("expected ConversionError, got %v", err)
	}
	if !strings.Contains(convErr.Error(), "Invalid data found") {
		t.Fatalf("expected stderr in error, got %q", convErr.Error())
	}
}

func TestNormalizeEmptyOutput(t *testing.T) {
	script := writeScript(t, `for last; do :; done
: > "$last"`)
	n := newNormalizer(t, script)

	input := filepath.Join(t.TempDir(), "silence.ogg")
	if err := os.WriteFile(input, []byte("OggS"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	_, err := n.Normalize(context.Background(), input)
	var convErr *ConversionError
	if !errors.As(err, &convErr) || convErr.Reason != "output file is empty" {
		t.Fatalf("expected empty output error, got %v", err)
	}
}

func TestNormalizeMissingTranscoderNamesTool(t *testing.T) {
	tool := filepath.Join(t.TempDir(), "no-such-ffmpeg")
	n := newNormalizer(t, tool)

	input := filepath.Join(t.TempDir(), "clip.wav")
	writeWav(t, input, 44100, 2, make([]int, 200))

	_, err := n.Normalize(context.Background(), input)
	var convErr *ConversionError
	if !errors.As(err, &convErr) {
		t.Fatalf("expected ConversionError, got %v", err)
	}
	if !strings.Contains(err.Error(), tool) {
		t.Fatalf("error should name the tool, got %q", err.Error())
	}
}

func TestOutputPathAvoidsInput(t *testing.T) {
	n, err := NewNormalizer(config.AudioConfig{Transcoder: "ffmpeg", OutputSuffix: ".wav"}, testLogger())
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	in := filepath.Join("uploads", "take.wav")
	if out := n.OutputPath(in); out == in {
		t.Fatalf("output path must differ from input, got %q", out)
	}
}

func TestDecodeStrictStereoMixdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")
	// left full scale positive, right silent
	data := make([]int, 0, 200)
	for i := 0; i < 100; i++ {
		data = append(data, 16384, 0)
	}
	writeWav(t, path, 22050, 2, data)

	w, err := Decode(path)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Decoder != "wav" {
		t.Fatalf("expected strict decoder, got %q", w.Decoder)
	}
	if len(w.Samples) != 100 || w.SampleRate != 22050 {
		t.Fatalf("unexpected shape: %d samples @ %d", len(w.Samples), w.SampleRate)
	}
	if math.Abs(w.Samples[0]-0.25) > 1e-9 {
		t.Fatalf("expected mixed sample 0.25, got %v", w.Samples[0])
	}
}

// rawWav builds a float32 RIFF file by hand with an oversized data chunk
// length, the way streaming encoders leave it.
func rawWav(samples []float32, sampleRate int) []byte {
	var b []byte
	le32 := func(v uint32) { b = binary.LittleEndian.AppendUint32(b, v) }
	le16 := func(v uint16) { b = binary.LittleEndian.AppendUint16(b, v) }

	b = append(b, "RIFF"...)
	le32(0xFFFFFFFF)
	b = append(b, "WAVE"...)
	b = append(b, "fmt "...)
	le32(16)
	le16(formatIEEEFloat)
	le16(1)
	le32(uint32(sampleRate))
	le32(uint32(sampleRate * 4))
	le16(4)
	le16(32)
	b = append(b, "data"...)
	le32(0xFFFFFFFF)
	for _, s := range samples {
		le32(math.Float32bits(s))
	}
	return b
}

func TestDecodePermissiveFallback(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1}
	path := filepath.Join(t.TempDir(), "streamed.wav")
	if err := os.WriteFile(path, rawWav(samples, 8000), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w, err := Decode(path)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Decoder != "riff" {
		t.Fatalf("expected permissive decoder, got %q", w.Decoder)
	}
	if len(w.Samples) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(w.Samples))
	}
	for i, s := range samples {
		if math.Abs(w.Samples[i]-float64(s)) > 1e-6 {
			t.Fatalf("sample %d = %v, want %v", i, w.Samples[i], s)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.wav")
	if err := os.WriteFile(path, []byte("definitely not audio"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Decode(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestOpenPCMStreamsDataChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mono.wav")
	writeWav(t, path, CanonicalSampleRate, 1, []int{1, -1, 2, -2})

	s, err := OpenPCM(path)
	if err != nil {
		t.Fatalf("open pcm: %v", err)
	}
	defer s.Close()
	if s.Format.SampleRate != CanonicalSampleRate || s.Format.Channels != 1 {
		t.Fatalf("unexpected format %+v", s.Format)
	}
	raw, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("read pcm: %v", err)
	}
	if len(raw) != 8 {
		t.Fatalf("expected 8 bytes of pcm, got %d", len(raw))
	}
	if got := int16(binary.LittleEndian.Uint16(raw[2:])); got != -1 {
		t.Fatalf("second sample = %d, want -1", got)
	}
}
