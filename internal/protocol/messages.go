package protocol

import "time"

// ScoreResult is published once per request after the pipeline finishes.
type ScoreResult struct {
	RequestID    string    `json:"request_id"`
	OK           bool      `json:"ok"`
	Score        *float64  `json:"score,omitempty"`
	Error        string    `json:"error,omitempty"`
	Transcript   string    `json:"transcript"`
	Corrected    string    `json:"corrected"`
	ASRMode      string    `json:"asr_mode"`
	ASRError     string    `json:"asr_error,omitempty"`
	GrammarMode  string    `json:"grammar_mode"`
	GrammarError string    `json:"grammar_error,omitempty"`
	MatchCount   int       `json:"match_count"`
	DurationMS   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// StageEvent reports a single pipeline state transition.
type StageEvent struct {
	RequestID  string    `json:"request_id"`
	Stage      string    `json:"stage"`
	State      string    `json:"state"`
	Detail     string    `json:"detail,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Capability is one function a scoring node offers.
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnounce is sent when a node starts.
type NodeAnnounce struct {
	NodeID       string       `json:"node_id"`
	Version      string       `json:"version,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NodeHeartbeat is sent periodically while a node is serving.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Inflight  int64     `json:"inflight"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	StreamName         = "GRAMMAR"
	SubjectResult      = "grammar.result"
	SubjectStagePrefix = "grammar.stage"

	SubjectNodeAnnounce        = "grammar.node.announce"
	SubjectNodeHeartbeatPrefix = "grammar.node.heartbeat"
)
