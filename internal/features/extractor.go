// Package features computes the fixed acoustic feature vector the score
// model is trained on: time-averaged MFCC, chroma, spectral contrast,
// zero-crossing rate and RMS energy.
package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-grammar/internal/audio"
)

// ExtractionError reports a waveform that could not be decoded or analysed.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("feature extraction failed for %s: %v", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

type Extractor struct {
	log *slog.Logger
}

func NewExtractor(log *slog.Logger) *Extractor {
	return &Extractor{log: log.With(slog.String("component", "feature-extractor"))}
}

// Extract decodes the audio at path and computes its feature vector. No
// partial vector is returned on failure.
func (e *Extractor) Extract(ctx context.Context, path string) (Vector, error) {
	if err := ctx.Err(); err != nil {
		return Vector{}, err
	}
	wave, err := audio.Decode(path)
	if err != nil {
		return Vector{}, &ExtractionError{Path: path, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return Vector{}, err
	}

	start := time.Now()
	vec, err := Compute(wave)
	if err != nil {
		return Vector{}, &ExtractionError{Path: path, Err: err}
	}
	e.log.Debug("features extracted",
		slog.String("path", path),
		slog.String("decoder", wave.Decoder),
		slog.Float64("duration_s", wave.Duration()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return vec, nil
}

// Compute derives the Schema-ordered vector from a decoded waveform.
func Compute(wave audio.Waveform) (Vector, error) {
	if len(wave.Samples) == 0 {
		return Vector{}, errors.New("waveform has no samples")
	}
	if wave.SampleRate <= 0 {
		return Vector{}, fmt.Errorf("invalid sample rate %d", wave.SampleRate)
	}
	if top := contrastFmin * float64(int(1)<<contrastBands); float64(wave.SampleRate)/2 <= top/2 {
		return Vector{}, fmt.Errorf("sample rate %d too low for spectral contrast bands", wave.SampleRate)
	}

	spec := stft(wave.Samples)
	values := make([]float64, 0, len(Schema))
	values = append(values, mfccMeans(spec, wave.SampleRate)...)
	values = append(values, chromaMeans(spec, wave.SampleRate)...)
	values = append(values, contrastMeans(spec, wave.SampleRate)...)
	values = append(values, zcrMean(wave.Samples), rmsMean(wave.Samples))
	return NewVector(Schema, values)
}
