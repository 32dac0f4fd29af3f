package anomaly

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimension is returned when a vector's width does not match the width
// a component was fitted on.
var ErrDimension = errors.New("anomaly: dimension mismatch")

// Standardizer rescales each column to zero mean and unit variance using
// statistics fitted on a training window.
type Standardizer struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitStandardizer computes per-column mean and population standard
// deviation. Columns with zero variance get scale 1 so they pass through
// centred but unscaled.
func FitStandardizer(rows [][]float64) (*Standardizer, error) {
	if len(rows) == 0 {
		return nil, errors.New("anomaly: cannot fit standardizer on empty data")
	}
	width := len(rows[0])
	mean := make([]float64, width)
	for _, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row has %d columns, want %d", ErrDimension, len(row), width)
		}
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(rows))
	for j := range mean {
		mean[j] /= n
	}

	scale := make([]float64, width)
	for _, row := range rows {
		for j, v := range row {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}
	return &Standardizer{Mean: mean, Scale: scale}, nil
}

// Transform returns the standardized copy of x.
func (s *Standardizer) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrDimension, len(x), len(s.Mean))
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

// TransformAll standardizes every row.
func (s *Standardizer) TransformAll(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		z, err := s.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = z
	}
	return out, nil
}
