// Package anomaly provides the per-user anomaly scorer: a standardizer and
// an isolation forest fitted on the same window, plus the distribution of
// decision values the forest produced on that window.
package anomaly

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// FormatVersion labels the serialized artifact layout.
const FormatVersion = 1

// Model is a fitted scorer. It is immutable once built and safe for
// concurrent use.
type Model struct {
	FormatVersion   int           `json:"format_version"`
	Standardizer    *Standardizer `json:"standardizer"`
	Forest          *Forest       `json:"forest"`
	ReferenceScores []float64     `json:"reference_scores"`
}

// Fit trains a model on rows with the default forest configuration.
func Fit(rows [][]float64) (*Model, error) {
	return FitWithConfig(rows, DefaultForestConfig())
}

// FitWithConfig trains a model on rows.
func FitWithConfig(rows [][]float64, cfg ForestConfig) (*Model, error) {
	std, err := FitStandardizer(rows)
	if err != nil {
		return nil, err
	}
	scaled, err := std.TransformAll(rows)
	if err != nil {
		return nil, err
	}
	forest, err := FitForest(scaled, cfg)
	if err != nil {
		return nil, err
	}

	ref := make([]float64, len(scaled))
	for i, row := range scaled {
		if ref[i], err = forest.Decision(row); err != nil {
			return nil, err
		}
	}
	return &Model{
		FormatVersion:   FormatVersion,
		Standardizer:    std,
		Forest:          forest,
		ReferenceScores: ref,
	}, nil
}

// Evaluation is the outcome of scoring one vector.
type Evaluation struct {
	Decision float64   // raw forest decision value
	Scaled   []float64 // the standardized input
}

// Evaluate standardizes x and returns its decision value.
func (m *Model) Evaluate(x []float64) (Evaluation, error) {
	if m == nil || m.Standardizer == nil || m.Forest == nil {
		return Evaluation{}, errors.New("anomaly: model is incomplete")
	}
	scaled, err := m.Standardizer.Transform(x)
	if err != nil {
		return Evaluation{}, err
	}
	d, err := m.Forest.Decision(scaled)
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluation{Decision: d, Scaled: scaled}, nil
}

// ReferenceStats returns the mean and population standard deviation of the
// reference scores.
func (m *Model) ReferenceStats() (mean, std float64) {
	n := float64(len(m.ReferenceScores))
	if n == 0 {
		return 0, 0
	}
	for _, v := range m.ReferenceScores {
		mean += v
	}
	mean /= n
	for _, v := range m.ReferenceScores {
		std += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(std / n)
}

// Marshal encodes the artifact.
func (m *Model) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes an artifact produced by Marshal.
func Unmarshal(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model artifact: %w", err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported model artifact format %d", m.FormatVersion)
	}
	if m.Standardizer == nil || m.Forest == nil {
		return nil, errors.New("model artifact is missing components")
	}
	return &m, nil
}
