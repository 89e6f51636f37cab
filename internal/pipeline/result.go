package pipeline

import (
	"encoding/json"
	"time"

	"github.com/loqalabs/loqa-grammar/internal/audio"
	"github.com/loqalabs/loqa-grammar/internal/grammar"
)

// State is a position in the request lifecycle.
type State string

const (
	StateReceived    State = "received"
	StateNormalized  State = "normalized"
	StateScored      State = "scored"
	StateTranscribed State = "transcribed"
	StateCorrected   State = "corrected"
	StateCompleted   State = "completed"

	StateNormalizationFailed State = "normalization_failed"
	StateScoringFailed       State = "scoring_failed"
	StateTranscriptionFailed State = "transcription_failed"
	StateCorrectionFailed    State = "correction_failed"
)

// Fatal reports whether the state ends the request without a score.
func (s State) Fatal() bool {
	return s == StateNormalizationFailed || s == StateScoringFailed
}

// AudioAsset is an uploaded file owned by the pipeline for one request.
// Format is zero unless the upload is a WAV container.
type AudioAsset struct {
	RequestID string
	Path      string
	Filename  string
	Ext       string
	Format    audio.Format
}

type ScoreResult struct {
	OK    bool
	Score *float64
	Error string
}

type TranscriptResult struct {
	OK       bool
	Text     string
	ModeUsed string
	Error    string
}

type CorrectionResult struct {
	OK        bool
	Corrected string
	Matches   []grammar.Match
	ModeUsed  string
	Error     string
}

// Result aggregates every stage. OK mirrors Score.OK: transcription and
// correction failures only degrade their own fields and are listed in
// Degraded.
type Result struct {
	RequestID  string
	OK         bool
	State      State
	Degraded   []State
	Score      ScoreResult
	Transcript *TranscriptResult
	Correction *CorrectionResult
	Duration   time.Duration
}

// MarshalJSON flattens the stage results into a single object.
func (r Result) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"ok":          r.OK,
		"state":       r.State,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.RequestID != "" {
		out["request_id"] = r.RequestID
	}
	if r.Score.Score != nil {
		out["score"] = *r.Score.Score
	}
	if r.Score.Error != "" {
		out["error"] = r.Score.Error
	}
	if t := r.Transcript; t != nil {
		out["transcript"] = t.Text
		out["asr_mode"] = t.ModeUsed
		if t.Error != "" {
			out["asr_error"] = t.Error
		}
	}
	if c := r.Correction; c != nil {
		matches := c.Matches
		if matches == nil {
			matches = []grammar.Match{}
		}
		out["corrected"] = c.Corrected
		out["matches"] = matches
		out["grammar_mode"] = c.ModeUsed
		if c.Error != "" {
			out["grammar_error"] = c.Error
		}
	}
	return json.Marshal(out)
}
