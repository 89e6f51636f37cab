package stt

import (
	"fmt"
)

// mockModel needs no model files. It reports one utterance per second of
// 16 kHz audio so the chunk/utterance path is exercised in development.
type mockModel struct{}

func NewMockModel() Model {
	return &mockModel{}
}

func (m *mockModel) NewStream(sampleRate int) (Stream, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	return &mockStream{bytesPerUtterance: sampleRate * 2}, nil
}

func (m *mockModel) Close() error { return nil }

type mockStream struct {
	bytesPerUtterance int
	pending           int
	utterances        int
}

func (s *mockStream) Accept(pcm []byte) (bool, error) {
	s.pending += len(pcm)
	if s.pending >= s.bytesPerUtterance {
		s.pending -= s.bytesPerUtterance
		s.utterances++
		return true, nil
	}
	return false, nil
}

func (s *mockStream) Result() (string, error) {
	return fmt.Sprintf("mock utterance %d", s.utterances), nil
}

func (s *mockStream) Final() (string, error) {
	if s.pending == 0 {
		return "", nil
	}
	s.pending = 0
	return fmt.Sprintf("mock tail of %d utterances", s.utterances), nil
}

func (s *mockStream) Close() {}
