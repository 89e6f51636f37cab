package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-grammar/internal/config"
	"github.com/mattn/go-shellwords"
)

// Canonical format produced by the Normalizer and assumed by every consumer.
const (
	CanonicalSampleRate = 16000
	CanonicalChannels   = 1
	CanonicalBitDepth   = 16
)

const stderrTail = 512

// ConversionError reports a transcoder that is missing, failed, or produced
// no usable output. Tool is the transcoder as configured.
type ConversionError struct {
	Tool   string
	Input  string
	Reason string
	Err    error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("audio conversion with %q failed: %s", e.Tool, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Normalizer converts arbitrary input audio to the canonical PCM WAV layout
// with an external transcoder (ffmpeg-compatible command line).
type Normalizer struct {
	command string
	args    []string
	suffix  string
	log     *slog.Logger
}

func NewNormalizer(cfg config.AudioConfig, log *slog.Logger) (*Normalizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Transcoder)
	if err != nil {
		return nil, fmt.Errorf("parse transcoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcoder command is empty")
	}
	suffix := cfg.OutputSuffix
	if suffix == "" {
		suffix = "_16k_mono.wav"
	}
	return &Normalizer{
		command: cfg.Transcoder,
		args:    args,
		suffix:  suffix,
		log:     log.With(slog.String("component", "audio-normalizer")),
	}, nil
}

// OutputPath is the deterministic location of the canonical file for input.
func (n *Normalizer) OutputPath(input string) string {
	dir := filepath.Dir(input)
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	out := filepath.Join(dir, stem+n.suffix)
	if out == filepath.Clean(input) {
		// ffmpeg cannot transcode in place.
		out = filepath.Join(dir, stem+".canonical"+n.suffix)
	}
	return out
}

// Normalize writes the canonical file next to input and returns its path.
// The input is never modified. The transcoder runs without a deadline; ctx is
// only consulted before the process starts.
func (n *Normalizer) Normalize(ctx context.Context, input string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(input); err != nil {
		return "", &ConversionError{Tool: n.command, Input: input, Reason: "input not readable", Err: err}
	}

	bin, err := exec.LookPath(n.args[0])
	if err != nil {
		return "", &ConversionError{Tool: n.command, Input: input, Reason: "transcoder not found", Err: err}
	}

	output := n.OutputPath(input)
	cmdArgs := append([]string{}, n.args[1:]...)
	cmdArgs = append(cmdArgs,
		"-y",
		"-i", input,
		"-ac", strconv.Itoa(CanonicalChannels),
		"-ar", strconv.Itoa(CanonicalSampleRate),
		"-sample_fmt", "s16",
		"-c:a", "pcm_s16le",
		output,
	)

	command := exec.Command(bin, cmdArgs...)
	var stderr bytes.Buffer
	command.Stderr = &stderr

	n.log.Debug("transcoding audio", slog.String("input", input), slog.String("output", output))
	if err := command.Run(); err != nil {
		_ = os.Remove(output)
		return "", &ConversionError{
			Tool:   n.command,
			Input:  input,
			Reason: "transcoder exited with error: " + tail(stderr.String()),
			Err:    err,
		}
	}

	info, err := os.Stat(output)
	if err != nil {
		return "", &ConversionError{Tool: n.command, Input: input, Reason: "output file missing", Err: err}
	}
	if info.Size() == 0 {
		_ = os.Remove(output)
		return "", &ConversionError{Tool: n.command, Input: input, Reason: "output file is empty"}
	}
	return output, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
