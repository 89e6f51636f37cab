// Package scoring maps acoustic feature vectors to a bounded grammar score
// with a pretrained linear model.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/loqalabs/loqa-grammar/internal/config"
	"github.com/loqalabs/loqa-grammar/internal/features"
	"github.com/loqalabs/loqa-grammar/internal/lazy"
)

// InferenceError reports a model that could not be loaded or evaluated.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("score inference failed (%s): %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Score is a clamped prediction. Imputed lists columns that were missing or
// non-finite in the input vector and were replaced with 0.0.
type Score struct {
	Value   float64
	Raw     float64
	Imputed []string
}

type bundle struct {
	columns []string
	model   *Model
}

type Predictor struct {
	cfg    config.ScoringConfig
	log    *slog.Logger
	loaded *lazy.Value[*bundle]
}

func NewPredictor(cfg config.ScoringConfig, log *slog.Logger) *Predictor {
	p := &Predictor{
		cfg: cfg,
		log: log.With(slog.String("component", "score-predictor")),
	}
	p.loaded = lazy.New(p.load)
	return p
}

func (p *Predictor) load() (*bundle, error) {
	cols, err := LoadColumns(p.cfg.FeatureColumnsPath)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(features.Schema))
	for _, name := range features.Schema {
		known[name] = true
	}
	for _, c := range cols {
		if !known[c] {
			p.log.Warn("feature column not produced by extractor; it will be imputed", slog.String("column", c))
		}
	}
	model, err := LoadModel(p.cfg.ModelPath, cols)
	if err != nil {
		return nil, err
	}
	p.log.Info("score model loaded",
		slog.String("path", p.cfg.ModelPath),
		slog.Int("columns", len(cols)),
		slog.Bool("scaler", model.Scaler != nil),
	)
	return &bundle{columns: cols, model: model}, nil
}

// Load constructs the model if needed. A failure is retried on the next call.
func (p *Predictor) Load() error {
	if _, err := p.loaded.Get(); err != nil {
		return &InferenceError{Op: "load", Err: err}
	}
	return nil
}

// Loaded reports whether the model has been constructed.
func (p *Predictor) Loaded() bool { return p.loaded.Loaded() }

// Columns returns the model's column order once loaded.
func (p *Predictor) Columns() ([]string, error) {
	b, err := p.loaded.Get()
	if err != nil {
		return nil, &InferenceError{Op: "load", Err: err}
	}
	return append([]string(nil), b.columns...), nil
}

// Predict evaluates the model once on vec and clamps the result into the
// configured bounds.
func (p *Predictor) Predict(ctx context.Context, vec features.Vector) (Score, error) {
	if err := ctx.Err(); err != nil {
		return Score{}, err
	}
	b, err := p.loaded.Get()
	if err != nil {
		return Score{}, &InferenceError{Op: "load", Err: err}
	}

	row, imputed := BuildRow(vec, b.columns)
	if len(imputed) > 0 {
		p.log.Debug("imputed feature values", slog.Any("columns", imputed))
	}
	raw, err := b.model.Predict(row)
	if err != nil {
		return Score{}, &InferenceError{Op: "predict", Err: err}
	}
	if math.IsNaN(raw) {
		return Score{}, &InferenceError{Op: "predict", Err: fmt.Errorf("model produced NaN")}
	}
	return Score{
		Value:   Clamp(raw, math.Max(p.cfg.MinScore, config.ScoreFloor), math.Min(p.cfg.MaxScore, config.ScoreCeiling)),
		Raw:     raw,
		Imputed: imputed,
	}, nil
}

// BuildRow orders vec by columns. Missing and non-finite values become 0.0;
// their column names are returned.
func BuildRow(vec features.Vector, columns []string) ([]float64, []string) {
	row := make([]float64, len(columns))
	var imputed []string
	for i, col := range columns {
		v, ok := vec.Get(col)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			imputed = append(imputed, col)
			continue
		}
		row[i] = v
	}
	return row, imputed
}

func Clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
