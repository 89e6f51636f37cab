// Package pipeline sequences normalization, scoring, transcription and
// grammar correction for one uploaded recording.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-grammar/internal/eventstore"
	"github.com/loqalabs/loqa-grammar/internal/features"
	"github.com/loqalabs/loqa-grammar/internal/grammar"
	"github.com/loqalabs/loqa-grammar/internal/protocol"
	"github.com/loqalabs/loqa-grammar/internal/scoring"
	"github.com/loqalabs/loqa-grammar/internal/stt"
	"github.com/loqalabs/loqa-grammar/internal/textnorm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type Normalizer interface {
	Normalize(ctx context.Context, input string) (string, error)
}

type Extractor interface {
	Extract(ctx context.Context, path string) (features.Vector, error)
}

type Predictor interface {
	Predict(ctx context.Context, vec features.Vector) (scoring.Score, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, path string) (stt.Transcript, error)
	Engine() string
}

type Corrector interface {
	Correct(ctx context.Context, text, language string) (grammar.Correction, error)
	Mode() string
}

// Recorder persists the request timeline.
type Recorder interface {
	BeginRequest(ctx context.Context, requestID, filename string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	CompleteRequest(ctx context.Context, requestID, status string, score *float64) error
}

// Publisher broadcasts stage and result events.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Stages struct {
	Normalizer  Normalizer
	Extractor   Extractor
	Predictor   Predictor
	Transcriber Transcriber
	Corrector   Corrector
}

type Options struct {
	Language       string
	Logger         *slog.Logger
	Recorder       Recorder
	Publisher      Publisher
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

type Orchestrator struct {
	stages    Stages
	language  string
	log       *slog.Logger
	recorder  Recorder
	publisher Publisher
	tracer    trace.Tracer
	metrics   *metrics
	inflight  atomic.Int64
}

func New(stages Stages, opts Options) (*Orchestrator, error) {
	if stages.Normalizer == nil || stages.Extractor == nil || stages.Predictor == nil ||
		stages.Transcriber == nil || stages.Corrector == nil {
		return nil, errors.New("pipeline: every stage must be provided")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	met, err := newMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("pipeline metrics: %w", err)
	}
	return &Orchestrator{
		stages:    stages,
		language:  opts.Language,
		log:       log.With(slog.String("component", "pipeline")),
		recorder:  opts.Recorder,
		publisher: opts.Publisher,
		tracer:    tp.Tracer(instrumentationName),
		metrics:   met,
	}, nil
}

// Process runs every stage for asset. It never returns an error: fatal
// failures produce a Result with OK false. The uploaded file and the derived
// canonical file are removed on every exit path, including panics.
func (o *Orchestrator) Process(ctx context.Context, asset AudioAsset) (res Result) {
	start := time.Now()
	log := o.log.With(slog.String("request_id", asset.RequestID))
	ctx, span := o.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("request.id", asset.RequestID),
		attribute.String("audio.ext", asset.Ext),
	))
	o.metrics.inflight.Add(ctx, 1)
	o.inflight.Add(1)

	var canonical string
	res = Result{RequestID: asset.RequestID, State: StateReceived}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("pipeline panic recovered", slog.Any("panic", rec))
			res = o.fail(ctx, res, StateScoringFailed, "internal", fmt.Errorf("internal error: %v", rec))
		}
		o.cleanup(log, asset.Path, canonical)
		res.Duration = time.Since(start)
		o.finish(ctx, log, asset, res)
		o.metrics.inflight.Add(ctx, -1)
		o.inflight.Add(-1)
		if !res.OK {
			span.SetStatus(codes.Error, res.Score.Error)
		}
		span.End()
	}()

	o.begin(ctx, log, asset)

	var err error
	err = o.stage(ctx, asset.RequestID, "normalize", func(ctx context.Context) error {
		canonical, err = o.stages.Normalizer.Normalize(ctx, asset.Path)
		return err
	})
	if err != nil {
		return o.fail(ctx, res, StateNormalizationFailed, "normalize", err)
	}
	res.State = StateNormalized
	o.record(ctx, asset.RequestID, "normalize", StateNormalized, "", 0)

	var vec features.Vector
	err = o.stage(ctx, asset.RequestID, "extract", func(ctx context.Context) error {
		vec, err = o.stages.Extractor.Extract(ctx, canonical)
		return err
	})
	if err != nil {
		return o.fail(ctx, res, StateScoringFailed, "extract", err)
	}

	var score scoring.Score
	err = o.stage(ctx, asset.RequestID, "score", func(ctx context.Context) error {
		score, err = o.stages.Predictor.Predict(ctx, vec)
		return err
	})
	if err != nil {
		return o.fail(ctx, res, StateScoringFailed, "score", err)
	}
	value := score.Value
	res.OK = true
	res.State = StateScored
	res.Score = ScoreResult{OK: true, Score: &value}
	o.metrics.scores.Record(ctx, value)
	o.record(ctx, asset.RequestID, "score", StateScored, strconv.FormatFloat(value, 'f', 4, 64), 0)

	res.Transcript = o.transcribe(ctx, log, asset.RequestID, canonical)
	res.advance(res.Transcript.OK, StateTranscribed, StateTranscriptionFailed)
	res.Correction = o.correct(ctx, log, asset.RequestID, res.Transcript.Text)
	res.advance(res.Correction.OK, StateCorrected, StateCorrectionFailed)
	res.State = StateCompleted
	return res
}

// advance moves res past a non-fatal stage.
func (r *Result) advance(ok bool, done, failed State) {
	if ok {
		r.State = done
		return
	}
	r.State = failed
	r.Degraded = append(r.Degraded, failed)
}

// Inflight returns the number of requests currently being processed.
func (o *Orchestrator) Inflight() int64 { return o.inflight.Load() }

func (o *Orchestrator) transcribe(ctx context.Context, log *slog.Logger, requestID, canonical string) *TranscriptResult {
	var (
		tr  stt.Transcript
		err error
	)
	err = o.stage(ctx, requestID, "transcribe", func(ctx context.Context) error {
		tr, err = o.stages.Transcriber.Transcribe(ctx, canonical)
		return err
	})
	mode := o.stages.Transcriber.Engine()
	if err != nil {
		log.Warn("transcription failed; continuing without transcript", slogError(err))
		o.metrics.stageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "transcribe")))
		o.record(ctx, requestID, "transcribe", StateTranscriptionFailed, err.Error(), 0)
		return &TranscriptResult{OK: false, Text: "", ModeUsed: mode, Error: err.Error()}
	}
	if tr.Engine != "" {
		mode = tr.Engine
	}
	text := textnorm.Normalize(tr.Text)
	o.record(ctx, requestID, "transcribe", StateTranscribed, "", 0)
	return &TranscriptResult{OK: true, Text: text, ModeUsed: mode}
}

func (o *Orchestrator) correct(ctx context.Context, log *slog.Logger, requestID, text string) *CorrectionResult {
	var (
		corr grammar.Correction
		err  error
	)
	err = o.stage(ctx, requestID, "correct", func(ctx context.Context) error {
		corr, err = o.stages.Corrector.Correct(ctx, text, o.language)
		return err
	})
	mode := corr.Mode
	if mode == "" {
		mode = o.stages.Corrector.Mode()
	}
	if err != nil {
		log.Warn("grammar correction failed; returning transcript unchanged", slogError(err))
		o.metrics.stageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "correct")))
		o.record(ctx, requestID, "correct", StateCorrectionFailed, err.Error(), 0)
		return &CorrectionResult{OK: false, Corrected: text, Matches: []grammar.Match{}, ModeUsed: mode, Error: err.Error()}
	}
	o.record(ctx, requestID, "correct", StateCorrected, strconv.Itoa(corr.Applied)+" edits", 0)
	return &CorrectionResult{OK: true, Corrected: corr.Corrected, Matches: corr.Matches, ModeUsed: mode}
}

// stage runs fn inside a span and records its latency.
func (o *Orchestrator) stage(ctx context.Context, requestID, name string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.metrics.stageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("stage", name),
		attribute.String("status", status),
	))
	o.log.Debug("stage finished",
		slog.String("request_id", requestID),
		slog.String("stage", name),
		slog.String("status", status),
		slog.Duration("elapsed", elapsed),
	)
	return err
}

func (o *Orchestrator) fail(ctx context.Context, res Result, state State, stage string, err error) Result {
	o.metrics.stageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	o.record(ctx, res.RequestID, stage, state, err.Error(), 0)
	res.OK = false
	res.State = state
	res.Score = ScoreResult{OK: false, Error: err.Error()}
	res.Transcript = nil
	res.Correction = nil
	return res
}

func (o *Orchestrator) begin(ctx context.Context, log *slog.Logger, asset AudioAsset) {
	attrs := []any{slog.String("filename", asset.Filename), slog.String("ext", asset.Ext)}
	if f := asset.Format; f.SampleRate > 0 {
		attrs = append(attrs,
			slog.Int("channels", f.Channels),
			slog.Int("sample_rate", f.SampleRate),
			slog.Int("bit_depth", f.BitDepth),
		)
	}
	log.Info("request received", attrs...)
	if o.recorder != nil {
		if err := o.recorder.BeginRequest(ctx, asset.RequestID, asset.Filename); err != nil {
			log.Warn("failed to record request", slogError(err))
		}
	}
	o.record(ctx, asset.RequestID, "receive", StateReceived, receiveDetail(asset), 0)
}

// receiveDetail names the upload and, for WAV containers, its source format.
func receiveDetail(asset AudioAsset) string {
	f := asset.Format
	if f.SampleRate == 0 {
		return asset.Filename
	}
	return fmt.Sprintf("%s (%dch %dHz %dbit)", asset.Filename, f.Channels, f.SampleRate, f.BitDepth)
}

func (o *Orchestrator) record(ctx context.Context, requestID, stage string, state State, detail string, elapsed time.Duration) {
	traceID := trace.SpanContextFromContext(ctx).TraceID()
	if o.recorder != nil {
		evt := eventstore.Event{
			RequestID:  requestID,
			Stage:      stage,
			State:      string(state),
			Detail:     detail,
			DurationMS: elapsed.Milliseconds(),
		}
		if traceID.IsValid() {
			evt.TraceID = traceID.String()
		}
		if err := o.recorder.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
			o.log.Warn("failed to record stage event", slog.String("request_id", requestID), slogError(err))
		}
	}
	if o.publisher != nil {
		payload := protocol.StageEvent{
			RequestID:  requestID,
			Stage:      stage,
			State:      string(state),
			Detail:     detail,
			DurationMS: elapsed.Milliseconds(),
			Timestamp:  time.Now().UTC(),
		}
		if err := o.publisher.PublishJSON(protocol.SubjectStagePrefix+"."+stage, payload); err != nil {
			o.log.Warn("failed to publish stage event", slog.String("request_id", requestID), slogError(err))
		}
	}
}

func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, asset AudioAsset, res Result) {
	ctx = context.WithoutCancel(ctx)
	status := string(StateCompleted)
	if !res.OK {
		status = string(res.State)
	}
	o.metrics.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("state", status)))

	if res.OK {
		detail := ""
		for i, st := range res.Degraded {
			if i > 0 {
				detail += ","
			}
			detail += string(st)
		}
		o.record(ctx, asset.RequestID, "complete", StateCompleted, detail, res.Duration)
	}
	if o.recorder != nil {
		if err := o.recorder.CompleteRequest(ctx, asset.RequestID, status, res.Score.Score); err != nil {
			log.Warn("failed to record request outcome", slogError(err))
		}
	}

	if o.publisher != nil {
		evt := protocol.ScoreResult{
			RequestID:  asset.RequestID,
			OK:         res.OK,
			Score:      res.Score.Score,
			Error:      res.Score.Error,
			DurationMS: res.Duration.Milliseconds(),
			Timestamp:  time.Now().UTC(),
		}
		if t := res.Transcript; t != nil {
			evt.Transcript, evt.ASRMode, evt.ASRError = t.Text, t.ModeUsed, t.Error
		}
		if c := res.Correction; c != nil {
			evt.Corrected, evt.GrammarMode, evt.GrammarError = c.Corrected, c.ModeUsed, c.Error
			evt.MatchCount = len(c.Matches)
		}
		if err := o.publisher.PublishJSON(protocol.SubjectResult, evt); err != nil {
			log.Warn("failed to publish result", slogError(err))
		}
	}

	attrs := []any{
		slog.Bool("ok", res.OK),
		slog.String("state", string(res.State)),
		slog.Duration("elapsed", res.Duration),
	}
	if res.Score.Score != nil {
		attrs = append(attrs, slog.Float64("score", *res.Score.Score))
	}
	log.Info("request finished", attrs...)
}

// cleanup removes the upload and, when distinct, the canonical file.
func (o *Orchestrator) cleanup(log *slog.Logger, upload, canonical string) {
	paths := []string{upload}
	if canonical != "" && canonical != upload {
		paths = append(paths, canonical)
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove temporary audio", slog.String("path", path), slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
