package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-grammar/internal/config"
	"github.com/loqalabs/loqa-grammar/internal/features"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newPredictor(t *testing.T, model Model) (*Predictor, config.ScoringConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.ScoringConfig{
		ModelPath:          filepath.Join(dir, "model.json"),
		FeatureColumnsPath: filepath.Join(dir, "feature_cols.json"),
		MinScore:           0,
		MaxScore:           5,
	}
	writeJSON(t, cfg.FeatureColumnsPath, features.Schema)
	writeJSON(t, cfg.ModelPath, model)
	return NewPredictor(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))), cfg
}

func uniform(v float64) []float64 {
	out := make([]float64, len(features.Schema))
	for i := range out {
		out[i] = v
	}
	return out
}

func TestPredictClampsIntoBounds(t *testing.T) {
	cases := []struct {
		name      string
		intercept float64
		coef      float64
		input     float64
		want      float64
	}{
		{"inside", 2.5, 0, 1, 2.5},
		{"above", 0, 1, 10, 5},
		{"below", -3, 0.01, 1, 0},
		{"extreme", 0, 1e300, 1e300, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newPredictor(t, Model{Kind: "ridge", Intercept: tc.intercept, Coefficients: uniform(tc.coef)})
			vec, err := features.NewVector(features.Schema, uniform(tc.input))
			if err != nil {
				t.Fatalf("vector: %v", err)
			}
			got, err := p.Predict(context.Background(), vec)
			if err != nil {
				t.Fatalf("predict: %v", err)
			}
			if math.Abs(got.Value-tc.want) > 1e-9 {
				t.Fatalf("score = %v, want %v (raw %v)", got.Value, tc.want, got.Raw)
			}
			if got.Value < 0 || got.Value > 5 {
				t.Fatalf("score %v escaped bounds", got.Value)
			}
		})
	}
}

func TestPredictNeverWidensScoreRange(t *testing.T) {
	dir := t.TempDir()
	cfg := config.ScoringConfig{
		ModelPath:          filepath.Join(dir, "model.json"),
		FeatureColumnsPath: filepath.Join(dir, "feature_cols.json"),
		MinScore:           -10,
		MaxScore:           100,
	}
	writeJSON(t, cfg.FeatureColumnsPath, features.Schema)
	for _, intercept := range []float64{-7, 42} {
		writeJSON(t, cfg.ModelPath, Model{Kind: "ridge", Intercept: intercept, Coefficients: uniform(0)})
		p := NewPredictor(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
		vec, err := features.NewVector(features.Schema, uniform(1))
		if err != nil {
			t.Fatalf("vector: %v", err)
		}
		got, err := p.Predict(context.Background(), vec)
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if got.Value < 0 || got.Value > 5 {
			t.Fatalf("intercept %v: score %v escaped [0,5]", intercept, got.Value)
		}
	}
}

func TestPredictImputesMissingAndNonFinite(t *testing.T) {
	coef := uniform(1)
	p, _ := newPredictor(t, Model{Intercept: 0, Coefficients: coef})

	vec := features.FromMap(map[string]float64{
		"mfcc_0": 1,
		"mfcc_1": math.NaN(),
		"zcr":    math.Inf(1),
		"rmse":   math.Inf(-1),
	})
	got, err := p.Predict(context.Background(), vec)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if got.Raw != 1 {
		t.Fatalf("expected only mfcc_0 to contribute, raw = %v", got.Raw)
	}
	if len(got.Imputed) != len(features.Schema)-1 {
		t.Fatalf("expected %d imputed columns, got %d", len(features.Schema)-1, len(got.Imputed))
	}

	empty, err := p.Predict(context.Background(), features.Vector{})
	if err != nil {
		t.Fatalf("empty vector should still score: %v", err)
	}
	if empty.Raw != 0 {
		t.Fatalf("expected intercept only, got %v", empty.Raw)
	}
}

func TestPredictAppliesScaler(t *testing.T) {
	mean := uniform(2)
	scale := uniform(0)
	scale[0] = 4
	p, _ := newPredictor(t, Model{
		Intercept:    1,
		Coefficients: uniform(0),
		Scaler:       &Scaler{Mean: mean, Scale: scale},
	})
	p2, _ := newPredictor(t, Model{
		Intercept:    1,
		Coefficients: append([]float64{2}, uniform(0)[1:]...),
		Scaler:       &Scaler{Mean: mean, Scale: scale},
	})
	vec, _ := features.NewVector(features.Schema, uniform(10))
	if got, _ := p.Predict(context.Background(), vec); got.Raw != 1 {
		t.Fatalf("zero coefficients should give intercept, got %v", got.Raw)
	}
	// (10-2)/4 * 2 + 1
	if got, _ := p2.Predict(context.Background(), vec); got.Raw != 5 {
		t.Fatalf("scaled prediction = %v, want 5", got.Raw)
	}
}

func TestShapeMismatchIsInferenceError(t *testing.T) {
	p, _ := newPredictor(t, Model{Kind: "ridge", Coefficients: []float64{1, 2, 3}})
	vec, _ := features.NewVector(features.Schema, uniform(1))
	_, err := p.Predict(context.Background(), vec)
	var infErr *InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
}

func TestMissingModelRetriesAfterFix(t *testing.T) {
	p, cfg := newPredictor(t, Model{Coefficients: uniform(0), Intercept: 3})
	if err := os.Rename(cfg.ModelPath, cfg.ModelPath+".bak"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := p.Load(); err == nil {
		t.Fatal("expected load error while model missing")
	}
	if err := os.Rename(cfg.ModelPath+".bak", cfg.ModelPath); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := p.Load(); err != nil {
		t.Fatalf("expected load to succeed after restore: %v", err)
	}
	if !p.Loaded() {
		t.Fatal("expected loaded")
	}
}

func TestLoadColumnsRejects(t *testing.T) {
	cases := map[string]any{
		"empty":     []string{},
		"duplicate": []string{"zcr", "zcr"},
		"blank":     []string{"zcr", " "},
		"object":    map[string]int{"zcr": 1},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cols.json")
			writeJSON(t, path, payload)
			if _, err := LoadColumns(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestModelFeatureNamesMustMatch(t *testing.T) {
	names := append([]string(nil), features.Schema...)
	names[0], names[1] = names[1], names[0]
	m := Model{Coefficients: uniform(0), FeatureNames: names}
	if err := m.validate(features.Schema); err == nil {
		t.Fatal("expected feature name order mismatch")
	}
	m.Kind = "random_forest"
	m.FeatureNames = nil
	if err := m.validate(features.Schema); err == nil {
		t.Fatal("expected unsupported kind")
	}
}

func TestBuildRowOrdersByColumns(t *testing.T) {
	vec := features.FromMap(map[string]float64{"a": 1, "b": 2})
	row, imputed := BuildRow(vec, []string{"b", "missing", "a"})
	if row[0] != 2 || row[1] != 0 || row[2] != 1 {
		t.Fatalf("unexpected row %v", row)
	}
	if len(imputed) != 1 || imputed[0] != "missing" {
		t.Fatalf("unexpected imputed %v", imputed)
	}
}
