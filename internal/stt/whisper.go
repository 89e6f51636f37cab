package stt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-grammar/internal/config"
)

// whisperModel buffers the whole clip and runs a single inference on Final,
// since whisper.cpp has no incremental decoding API.
type whisperModel struct {
	model    whisperlib.Model
	language string
}

func openWhisperModel(cfg config.STTConfig) (Model, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("whisper model file: %w", err)
	}
	model, err := whisperlib.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	return &whisperModel{model: model, language: cfg.Language}, nil
}

func (m *whisperModel) NewStream(_ int) (Stream, error) {
	return &whisperStream{model: m.model, language: m.language}, nil
}

func (m *whisperModel) Close() error { return m.model.Close() }

type whisperStream struct {
	model    whisperlib.Model
	language string
	pcm      []byte
}

func (s *whisperStream) Accept(pcm []byte) (bool, error) {
	s.pcm = append(s.pcm, pcm...)
	return false, nil
}

func (s *whisperStream) Result() (string, error) { return "", nil }

func (s *whisperStream) Final() (string, error) {
	if len(s.pcm) < 2 {
		return "", nil
	}
	samples := make([]float32, len(s.pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(s.pcm[i*2:]))) / 32768
	}
	s.pcm = nil

	wctx, err := s.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if s.language != "" {
		if err := wctx.SetLanguage(s.language); err != nil {
			return "", fmt.Errorf("whisper: set language %q: %w", s.language, err)
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

func (s *whisperStream) Close() { s.pcm = nil }
