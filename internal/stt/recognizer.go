package stt

import (
	"fmt"

	"github.com/loqalabs/loqa-grammar/internal/config"
)

// Model is a loaded recognizer shared across requests. Streams created from
// it are used by a single goroutine.
type Model interface {
	NewStream(sampleRate int) (Stream, error)
	Close() error
}

// Stream is one recognition session over a PCM byte stream.
type Stream interface {
	// Accept feeds 16-bit little-endian mono PCM and reports whether an
	// utterance was completed.
	Accept(pcm []byte) (bool, error)
	// Result returns the text of the utterance just completed.
	Result() (string, error)
	// Final flushes pending audio and returns the remaining text.
	Final() (string, error)
	Close()
}

// OpenModel loads the engine named by cfg.Engine.
func OpenModel(cfg config.STTConfig) (Model, error) {
	switch cfg.Engine {
	case "vosk", "":
		return openVoskModel(cfg)
	case "whisper":
		return openWhisperModel(cfg)
	case "mock":
		return NewMockModel(), nil
	default:
		return nil, fmt.Errorf("unknown stt engine %q", cfg.Engine)
	}
}
