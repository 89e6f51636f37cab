package features

import "fmt"

const (
	numMFCC     = 13
	numChroma   = 12
	numContrast = contrastBands + 1
)

// Schema is the ordered column layout every Vector follows.
var Schema = buildSchema()

func buildSchema() []string {
	names := make([]string, 0, numMFCC+numChroma+numContrast+2)
	for i := 0; i < numMFCC; i++ {
		names = append(names, fmt.Sprintf("mfcc_%d", i))
	}
	for i := 0; i < numChroma; i++ {
		names = append(names, fmt.Sprintf("chroma_%d", i))
	}
	for i := 0; i < numContrast; i++ {
		names = append(names, fmt.Sprintf("contrast_%d", i))
	}
	return append(names, "zcr", "rmse")
}

// Vector is an ordered mapping from feature name to value.
type Vector struct {
	names  []string
	values []float64
	index  map[string]int
}

// NewVector builds a vector from parallel name/value slices.
func NewVector(names []string, values []float64) (Vector, error) {
	if len(names) != len(values) {
		return Vector{}, fmt.Errorf("feature vector has %d names and %d values", len(names), len(values))
	}
	v := Vector{
		names:  append([]string(nil), names...),
		values: append([]float64(nil), values...),
		index:  make(map[string]int, len(names)),
	}
	for i, name := range v.names {
		if _, dup := v.index[name]; dup {
			return Vector{}, fmt.Errorf("duplicate feature %q", name)
		}
		v.index[name] = i
	}
	return v, nil
}

// FromMap builds a vector ordered by Schema, followed by any extra keys in
// map order. Missing schema keys are simply absent.
func FromMap(m map[string]float64) Vector {
	names := make([]string, 0, len(m))
	values := make([]float64, 0, len(m))
	seen := make(map[string]bool, len(m))
	for _, name := range Schema {
		if val, ok := m[name]; ok {
			names = append(names, name)
			values = append(values, val)
			seen[name] = true
		}
	}
	for name, val := range m {
		if !seen[name] {
			names = append(names, name)
			values = append(values, val)
		}
	}
	v, _ := NewVector(names, values)
	return v
}

// Get returns the value for name.
func (v Vector) Get(name string) (float64, bool) {
	i, ok := v.index[name]
	if !ok {
		return 0, false
	}
	return v.values[i], true
}

func (v Vector) Len() int { return len(v.names) }

// Names returns the feature names in order.
func (v Vector) Names() []string { return append([]string(nil), v.names...) }

// Values returns the feature values in name order.
func (v Vector) Values() []float64 { return append([]float64(nil), v.values...) }

// Map returns an unordered copy.
func (v Vector) Map() map[string]float64 {
	out := make(map[string]float64, len(v.names))
	for i, name := range v.names {
		out[name] = v.values[i]
	}
	return out
}
