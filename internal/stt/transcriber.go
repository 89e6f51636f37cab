// Package stt transcribes canonical audio with an offline recognizer.
package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/loqalabs/loqa-grammar/internal/audio"
	"github.com/loqalabs/loqa-grammar/internal/config"
	"github.com/loqalabs/loqa-grammar/internal/lazy"
)

// TranscriptionError reports a transcription that could not be performed:
// unreadable or non-canonical input, an unavailable model, or a recognizer
// failure.
type TranscriptionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *TranscriptionError) Error() string {
	msg := "transcription failed: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// Transcript is the best-effort text of one file.
type Transcript struct {
	Text       string
	Engine     string
	Utterances int
}

var loneI = regexp.MustCompile(`\bi\b`)

type Transcriber struct {
	cfg   config.STTConfig
	log   *slog.Logger
	model *lazy.Value[Model]
}

func NewTranscriber(cfg config.STTConfig, log *slog.Logger) *Transcriber {
	return newTranscriber(cfg, log, OpenModel)
}

func newTranscriber(cfg config.STTConfig, log *slog.Logger, open func(config.STTConfig) (Model, error)) *Transcriber {
	t := &Transcriber{
		cfg: cfg,
		log: log.With(slog.String("component", "transcriber"), slog.String("engine", cfg.Engine)),
	}
	t.model = lazy.New(func() (Model, error) {
		start := time.Now()
		m, err := open(cfg)
		if err != nil {
			return nil, err
		}
		t.log.Info("recognizer model loaded", slog.String("path", cfg.ModelPath), slog.Duration("elapsed", time.Since(start)))
		return m, nil
	})
	return t
}

// Engine names the configured recognition engine.
func (t *Transcriber) Engine() string { return t.cfg.Engine }

// Loaded reports whether the recognizer model has been constructed.
func (t *Transcriber) Loaded() bool { return t.model.Loaded() }

// Close releases the recognizer model if it was loaded.
func (t *Transcriber) Close() error {
	if m, ok := t.model.Peek(); ok && m != nil {
		return m.Close()
	}
	return nil
}

// Transcribe streams the canonical waveform at path through the recognizer
// in fixed-size chunks.
func (t *Transcriber) Transcribe(ctx context.Context, path string) (Transcript, error) {
	pcm, err := audio.OpenPCM(path)
	if err != nil {
		return Transcript{}, &TranscriptionError{Path: path, Reason: "cannot read audio", Err: err}
	}
	defer pcm.Close()

	f := pcm.Format
	if f.Channels != audio.CanonicalChannels || f.BitDepth != audio.CanonicalBitDepth || f.SampleRate != audio.CanonicalSampleRate {
		return Transcript{}, &TranscriptionError{
			Path: path,
			Reason: fmt.Sprintf("audio must be mono %d-bit %d Hz, got %d channel(s) %d-bit %d Hz",
				audio.CanonicalBitDepth, audio.CanonicalSampleRate, f.Channels, f.BitDepth, f.SampleRate),
		}
	}

	model, err := t.model.Get()
	if err != nil {
		return Transcript{}, &TranscriptionError{Path: path, Reason: "recognizer model unavailable", Err: err}
	}
	stream, err := model.NewStream(f.SampleRate)
	if err != nil {
		return Transcript{}, &TranscriptionError{Path: path, Reason: "cannot start recognizer", Err: err}
	}
	defer stream.Close()

	var parts []string
	utterances := 0
	buf := make([]byte, t.cfg.ChunkFrames*f.Channels*f.BitDepth/8)
	for {
		if err := ctx.Err(); err != nil {
			return Transcript{}, &TranscriptionError{Path: path, Reason: "cancelled", Err: err}
		}
		n, readErr := io.ReadFull(pcm, buf)
		if n > 0 {
			done, err := stream.Accept(buf[:n])
			if err != nil {
				return Transcript{}, &TranscriptionError{Path: path, Reason: "recognizer failed", Err: err}
			}
			if done {
				text, err := stream.Result()
				if err != nil {
					return Transcript{}, &TranscriptionError{Path: path, Reason: "recognizer failed", Err: err}
				}
				utterances++
				if text = strings.TrimSpace(text); text != "" {
					parts = append(parts, text)
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			return Transcript{}, &TranscriptionError{Path: path, Reason: "cannot read audio", Err: readErr}
		}
	}

	final, err := stream.Final()
	if err != nil {
		return Transcript{}, &TranscriptionError{Path: path, Reason: "recognizer failed", Err: err}
	}
	if final = strings.TrimSpace(final); final != "" {
		parts = append(parts, final)
	}

	text := strings.TrimSpace(strings.Join(parts, " "))
	text = loneI.ReplaceAllString(text, "I")
	return Transcript{Text: text, Engine: t.cfg.Engine, Utterances: utterances}, nil
}
