package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Scaler standardises a row before the linear model is applied.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Model is a linear regression exported from the training pipeline.
type Model struct {
	Kind         string    `json:"kind"`
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
	FeatureNames []string  `json:"feature_names,omitempty"`
	Scaler       *Scaler   `json:"scaler,omitempty"`
}

// LoadModel reads and validates a model file against columns.
func LoadModel(path string, columns []string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if err := m.validate(columns); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return &m, nil
}

func (m *Model) validate(columns []string) error {
	switch strings.ToLower(m.Kind) {
	case "", "ridge", "linear":
	default:
		return fmt.Errorf("unsupported model kind %q", m.Kind)
	}
	if len(m.Coefficients) != len(columns) {
		return fmt.Errorf("model has %d coefficients for %d columns", len(m.Coefficients), len(columns))
	}
	if len(m.FeatureNames) > 0 {
		if len(m.FeatureNames) != len(columns) {
			return fmt.Errorf("model feature_names has %d entries for %d columns", len(m.FeatureNames), len(columns))
		}
		for i, name := range m.FeatureNames {
			if name != columns[i] {
				return fmt.Errorf("model feature %d is %q, column list has %q", i, name, columns[i])
			}
		}
	}
	if m.Scaler != nil {
		if len(m.Scaler.Mean) != len(columns) || len(m.Scaler.Scale) != len(columns) {
			return errors.New("scaler mean/scale length does not match column count")
		}
	}
	return nil
}

// Predict applies the scaler, if any, and evaluates the linear model on a
// single row.
func (m *Model) Predict(row []float64) (float64, error) {
	if len(row) != len(m.Coefficients) {
		return 0, fmt.Errorf("row has %d values, model expects %d", len(row), len(m.Coefficients))
	}
	x := row
	if m.Scaler != nil {
		x = make([]float64, len(row))
		for i, v := range row {
			scale := m.Scaler.Scale[i]
			if scale == 0 {
				scale = 1
			}
			x[i] = (v - m.Scaler.Mean[i]) / scale
		}
	}
	return m.Intercept + floats.Dot(m.Coefficients, x), nil
}

// LoadColumns reads the ordered feature column list.
func LoadColumns(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature columns: %w", err)
	}
	var cols []string
	if err := json.Unmarshal(data, &cols); err != nil {
		return nil, fmt.Errorf("decode feature columns %s: %w", path, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("feature columns %s: list is empty", path)
	}
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if strings.TrimSpace(c) == "" {
			return nil, fmt.Errorf("feature columns %s: blank column name", path)
		}
		if seen[c] {
			return nil, fmt.Errorf("feature columns %s: duplicate column %q", path, c)
		}
		seen[c] = true
	}
	return cols, nil
}
