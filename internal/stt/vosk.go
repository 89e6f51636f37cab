package stt

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/loqalabs/loqa-grammar/internal/config"
)

type voskModel struct {
	model *vosk.VoskModel
}

func openVoskModel(cfg config.STTConfig) (Model, error) {
	info, err := os.Stat(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("vosk model directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vosk model path %s is not a directory", cfg.ModelPath)
	}
	vosk.SetLogLevel(-1)
	model, err := vosk.NewModel(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load vosk model: %w", err)
	}
	return &voskModel{model: model}, nil
}

func (m *voskModel) NewStream(sampleRate int) (Stream, error) {
	rec, err := vosk.NewRecognizer(m.model, float64(sampleRate))
	if err != nil {
		return nil, fmt.Errorf("create vosk recognizer: %w", err)
	}
	rec.SetWords(0)
	return &voskStream{rec: rec}, nil
}

func (m *voskModel) Close() error {
	m.model.Free()
	return nil
}

type voskStream struct {
	rec *vosk.VoskRecognizer
}

type voskResult struct {
	Text string `json:"text"`
}

func (s *voskStream) Accept(pcm []byte) (bool, error) {
	switch s.rec.AcceptWaveform(pcm) {
	case -1:
		return false, errors.New("vosk rejected waveform chunk")
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (s *voskStream) Result() (string, error) { return decodeVoskResult(s.rec.Result()) }

func (s *voskStream) Final() (string, error) { return decodeVoskResult(s.rec.FinalResult()) }

func (s *voskStream) Close() { s.rec.Free() }

func decodeVoskResult(raw string) (string, error) {
	var res voskResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return "", fmt.Errorf("decode vosk result: %w", err)
	}
	return res.Text, nil
}
