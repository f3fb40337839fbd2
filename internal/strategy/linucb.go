package strategy

import (
	"encoding/json"
	"fmt"
	"math"
)

// linModel is one LinUCB arm: a ridge-regression model over the context
// features, maintained incrementally. AInv holds the inverse design matrix
// directly (Sherman-Morrison updates), so scoring never needs a solve. The
// feature dimension is small (featureDim), so dense math is fine.
type linModel struct {
	Alpha float64     `json:"alpha"`
	Dim   int         `json:"dim"`
	AInv  [][]float64 `json:"a_inv"`
	B     []float64   `json:"b"`
}

func newLinModel(dim int, alpha float64) *linModel {
	m := &linModel{Alpha: alpha, Dim: dim, B: make([]float64, dim)}
	m.AInv = make([][]float64, dim)
	for i := range m.AInv {
		m.AInv[i] = make([]float64, dim)
		m.AInv[i][i] = 1 // A starts as identity, so does its inverse
	}
	return m
}

// score returns the upper confidence bound for context x:
// theta·x + alpha * sqrt(x' AInv x).
func (m *linModel) score(x []float64) float64 {
	ax := m.mulVec(x)
	var theta, conf float64
	for i := range x {
		// theta_i = (AInv·B)_i, folded into the dot product.
		var ti float64
		for j := range x {
			ti += m.AInv[i][j] * m.B[j]
		}
		theta += ti * x[i]
		conf += x[i] * ax[i]
	}
	if conf < 0 {
		conf = 0 // numeric noise; AInv is positive definite
	}
	return theta + m.Alpha*math.Sqrt(conf)
}

// update folds one (context, reward) observation into the arm via the
// Sherman-Morrison identity on the inverse design matrix.
func (m *linModel) update(x []float64, reward float64) {
	ax := m.mulVec(x)
	var denom float64 = 1
	for i := range x {
		denom += x[i] * ax[i]
	}
	for i := range m.AInv {
		for j := range m.AInv[i] {
			m.AInv[i][j] -= ax[i] * ax[j] / denom
		}
	}
	for i := range x {
		m.B[i] += reward * x[i]
	}
}

func (m *linModel) mulVec(x []float64) []float64 {
	out := make([]float64, m.Dim)
	for i := range m.AInv {
		var s float64
		for j := range x {
			s += m.AInv[i][j] * x[j]
		}
		out[i] = s
	}
	return out
}

func (m *linModel) marshal() ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalModel(data []byte, alpha float64) (*linModel, error) {
	var m linModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode strategy model: %w", err)
	}
	if m.Dim != featureDim || len(m.B) != m.Dim || len(m.AInv) != m.Dim {
		return nil, fmt.Errorf("strategy model dimension %d does not match %d", m.Dim, featureDim)
	}
	m.Alpha = alpha
	return &m, nil
}
