package features

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-grammar/internal/audio"
)

func sine(freq float64, seconds float64, rate int, amp float64) []float64 {
	n := int(seconds * float64(rate))
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return out
}

func TestSchemaLayout(t *testing.T) {
	if len(Schema) != 34 {
		t.Fatalf("expected 34 columns, got %d", len(Schema))
	}
	if Schema[0] != "mfcc_0" || Schema[13] != "chroma_0" || Schema[25] != "contrast_0" {
		t.Fatalf("unexpected column order: %v", Schema)
	}
	if Schema[32] != "zcr" || Schema[33] != "rmse" {
		t.Fatalf("expected zcr and rmse last, got %v", Schema[32:])
	}
}

func TestComputeSine(t *testing.T) {
	wave := audio.Waveform{Samples: sine(440, 1, 16000, 0.5), SampleRate: 16000}
	vec, err := Compute(wave)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if vec.Len() != len(Schema) {
		t.Fatalf("expected %d features, got %d", len(Schema), vec.Len())
	}
	for i, name := range vec.Names() {
		if name != Schema[i] {
			t.Fatalf("feature %d = %q, want %q", i, name, Schema[i])
		}
		v, _ := vec.Get(name)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("feature %s is not finite: %v", name, v)
		}
	}

	best, bestVal := -1, math.Inf(-1)
	for i := 0; i < numChroma; i++ {
		v, _ := vec.Get(Schema[numMFCC+i])
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	if best != 9 {
		t.Fatalf("expected pitch class A (9) to dominate, got %d", best)
	}

	zcr, _ := vec.Get("zcr")
	if math.Abs(zcr-0.055) > 0.005 {
		t.Fatalf("zcr = %v, want about 0.055", zcr)
	}
	rms, _ := vec.Get("rmse")
	// 0.5/sqrt(2), pulled down slightly by the padded edge frames
	if rms < 0.3 || rms > 0.36 {
		t.Fatalf("rmse = %v, want about 0.35", rms)
	}
}

func TestComputeSilenceIsFinite(t *testing.T) {
	vec, err := Compute(audio.Waveform{Samples: make([]float64, 8000), SampleRate: 16000})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	for _, v := range vec.Values() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("silence produced non-finite feature: %v", vec.Map())
		}
	}
	if zcr, _ := vec.Get("zcr"); zcr != 0 {
		t.Fatalf("expected zero crossings for silence, got %v", zcr)
	}
}

func TestComputeRejectsEmpty(t *testing.T) {
	if _, err := Compute(audio.Waveform{SampleRate: 16000}); err == nil {
		t.Fatal("expected error for empty waveform")
	}
	if _, err := Compute(audio.Waveform{Samples: []float64{0, 1}, SampleRate: 8000}); err == nil {
		t.Fatal("expected error for sample rate below contrast range")
	}
}

func TestExtractFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	samples := sine(440, 0.5, 16000, 0.25)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s * 32767)
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: 16000}, Data: data}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	f.Close()

	ex := NewExtractor(slog.New(slog.NewTextHandler(io.Discard, nil)))
	vec, err := ex.Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if vec.Len() != len(Schema) {
		t.Fatalf("expected full vector, got %d", vec.Len())
	}
}

func TestExtractUndecodable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise.wav")
	if err := os.WriteFile(path, []byte("RIFF....not a wave"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ex := NewExtractor(slog.New(slog.NewTextHandler(io.Discard, nil)))
	vec, err := ex.Extract(context.Background(), path)
	var exErr *ExtractionError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
	if vec.Len() != 0 {
		t.Fatal("expected no partial vector")
	}
}

func TestVectorFromMap(t *testing.T) {
	vec := FromMap(map[string]float64{"rmse": 0.2, "mfcc_0": -300, "extra": 1})
	names := vec.Names()
	if len(names) != 3 || names[0] != "mfcc_0" || names[1] != "rmse" || names[2] != "extra" {
		t.Fatalf("unexpected order %v", names)
	}
	if _, ok := vec.Get("chroma_0"); ok {
		t.Fatal("absent key reported present")
	}
	if _, err := NewVector([]string{"a", "a"}, []float64{1, 2}); err == nil {
		t.Fatal("expected duplicate name error")
	}
}
