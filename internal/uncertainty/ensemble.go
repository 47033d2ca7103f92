// Package uncertainty refines decision confidence with an ensemble of
// disjoint learners, probability calibration, and conformal prediction,
// gated into a single allow/reject verdict.
package uncertainty

import (
	"errors"
	"math"

	"go.uber.org/zap"
)

// Prediction is the ensemble output for one feature vector.
type Prediction struct {
	Class        int       `json:"class"`
	PerModel     []float64 `json:"perModel"`
	ProbaMean    float64   `json:"probaMean"`
	ProbaStd     float64   `json:"probaStd"`
	Disagreement float64   `json:"disagreement"`
}

// learner is one member of the ensemble. Fit consumes labelled vectors;
// PredictProba returns P(class=1).
type learner interface {
	Fit(X [][]float64, y []int)
	PredictProba(x []float64) float64
}

// Ensemble runs three disjoint learners: a logistic model, a decision
// stump, and boosted stumps.
type Ensemble struct {
	logger  *zap.Logger
	models  []learner
	trained bool
}

// NewEnsemble builds the fixed three-model ensemble.
func NewEnsemble(logger *zap.Logger) *Ensemble {
	return &Ensemble{
		logger: logger.Named("ensemble"),
		models: []learner{
			newLogisticModel(200, 0.1),
			newStumpModel(),
			newBoostedStumps(10),
		},
	}
}

// Fit trains every member on the same data. Training happens offline (the
// train and walk-forward commands), never inside the bar loop.
func (e *Ensemble) Fit(X [][]float64, y []int) error {
	if len(X) == 0 || len(X) != len(y) {
		return errors.New("ensemble fit requires matching non-empty X and y")
	}
	for _, m := range e.models {
		m.Fit(X, y)
	}
	e.trained = true
	return nil
}

// Trained reports whether Fit has run.
func (e *Ensemble) Trained() bool { return e.trained }

// Predict produces the combined prediction with per-model probabilities and
// the disagreement measure std/mean (mean clamped away from zero).
func (e *Ensemble) Predict(x []float64) Prediction {
	per := make([]float64, len(e.models))
	for i, m := range e.models {
		per[i] = m.PredictProba(x)
	}
	mean := 0.0
	for _, p := range per {
		mean += p
	}
	mean /= float64(len(per))
	variance := 0.0
	for _, p := range per {
		d := p - mean
		variance += d * d
	}
	variance /= float64(len(per))
	std := math.Sqrt(variance)

	clamped := math.Max(mean, 1e-6)
	class := 0
	if mean >= 0.5 {
		class = 1
	}
	return Prediction{
		Class:        class,
		PerModel:     per,
		ProbaMean:    mean,
		ProbaStd:     std,
		Disagreement: std / clamped,
	}
}

// logisticModel is a logistic regression fitted by batch gradient descent.
type logisticModel struct {
	iters   int
	lr      float64
	weights []float64
	bias    float64
}

func newLogisticModel(iters int, lr float64) *logisticModel {
	return &logisticModel{iters: iters, lr: lr}
}

func (m *logisticModel) Fit(X [][]float64, y []int) {
	dims := len(X[0])
	m.weights = make([]float64, dims)
	m.bias = 0
	n := float64(len(X))
	for iter := 0; iter < m.iters; iter++ {
		grad := make([]float64, dims)
		gradB := 0.0
		for i, x := range X {
			p := m.PredictProba(x)
			err := p - float64(y[i])
			for j := range grad {
				grad[j] += err * x[j]
			}
			gradB += err
		}
		for j := range m.weights {
			m.weights[j] -= m.lr * grad[j] / n
		}
		m.bias -= m.lr * gradB / n
	}
}

func (m *logisticModel) PredictProba(x []float64) float64 {
	if m.weights == nil {
		return 0.5
	}
	z := m.bias
	for j, w := range m.weights {
		if j < len(x) {
			z += w * x[j]
		}
	}
	return sigmoid(z)
}

// stumpModel is a single decision stump chosen by Gini impurity.
type stumpModel struct {
	feature   int
	threshold float64
	probLeft  float64
	probRight float64
	fitted    bool
}

func newStumpModel() *stumpModel { return &stumpModel{} }

func (m *stumpModel) Fit(X [][]float64, y []int) {
	feature, threshold := bestSplit(X, y)
	m.feature = feature
	m.threshold = threshold
	var leftPos, leftN, rightPos, rightN float64
	for i, x := range X {
		if x[feature] <= threshold {
			leftN++
			leftPos += float64(y[i])
		} else {
			rightN++
			rightPos += float64(y[i])
		}
	}
	m.probLeft = laplace(leftPos, leftN)
	m.probRight = laplace(rightPos, rightN)
	m.fitted = true
}

func (m *stumpModel) PredictProba(x []float64) float64 {
	if !m.fitted {
		return 0.5
	}
	if m.feature < len(x) && x[m.feature] <= m.threshold {
		return m.probLeft
	}
	return m.probRight
}

// boostedStumps is a small AdaBoost over decision stumps.
type boostedStumps struct {
	rounds int
	stumps []*stumpModel
	alphas []float64
}

func newBoostedStumps(rounds int) *boostedStumps { return &boostedStumps{rounds: rounds} }

func (m *boostedStumps) Fit(X [][]float64, y []int) {
	n := len(X)
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1.0 / float64(n)
	}
	m.stumps = nil
	m.alphas = nil
	for round := 0; round < m.rounds; round++ {
		stump := &stumpModel{}
		stump.fitWeighted(X, y, weights)
		errSum := 0.0
		for i, x := range X {
			if stump.classify(x) != y[i] {
				errSum += weights[i]
			}
		}
		if errSum >= 0.5 || errSum <= 1e-9 {
			if len(m.stumps) == 0 {
				m.stumps = append(m.stumps, stump)
				m.alphas = append(m.alphas, 1.0)
			}
			break
		}
		alpha := 0.5 * math.Log((1-errSum)/errSum)
		m.stumps = append(m.stumps, stump)
		m.alphas = append(m.alphas, alpha)
		total := 0.0
		for i, x := range X {
			sign := -1.0
			if stump.classify(x) != y[i] {
				sign = 1.0
			}
			weights[i] *= math.Exp(alpha * sign)
			total += weights[i]
		}
		for i := range weights {
			weights[i] /= total
		}
	}
}

func (m *boostedStumps) PredictProba(x []float64) float64 {
	if len(m.stumps) == 0 {
		return 0.5
	}
	score := 0.0
	norm := 0.0
	for i, stump := range m.stumps {
		vote := -1.0
		if stump.classify(x) == 1 {
			vote = 1.0
		}
		score += m.alphas[i] * vote
		norm += m.alphas[i]
	}
	if norm == 0 {
		return 0.5
	}
	return sigmoid(2 * score / norm)
}

func (m *stumpModel) classify(x []float64) int {
	if m.PredictProba(x) >= 0.5 {
		return 1
	}
	return 0
}

func (m *stumpModel) fitWeighted(X [][]float64, y []int, weights []float64) {
	feature, threshold := bestWeightedSplit(X, y, weights)
	m.feature = feature
	m.threshold = threshold
	var leftPos, leftN, rightPos, rightN float64
	for i, x := range X {
		w := weights[i]
		if x[feature] <= threshold {
			leftN += w
			leftPos += w * float64(y[i])
		} else {
			rightN += w
			rightPos += w * float64(y[i])
		}
	}
	m.probLeft = laplace(leftPos, leftN)
	m.probRight = laplace(rightPos, rightN)
	m.fitted = true
}

func bestSplit(X [][]float64, y []int) (int, float64) {
	uniform := make([]float64, len(X))
	for i := range uniform {
		uniform[i] = 1.0 / float64(len(X))
	}
	return bestWeightedSplit(X, y, uniform)
}

// bestWeightedSplit scans every feature and sample value as a candidate
// threshold, minimizing weighted Gini impurity.
func bestWeightedSplit(X [][]float64, y []int, weights []float64) (int, float64) {
	bestFeature, bestThreshold := 0, 0.0
	bestScore := math.Inf(1)
	dims := len(X[0])
	for f := 0; f < dims; f++ {
		for _, row := range X {
			threshold := row[f]
			var leftPos, leftN, rightPos, rightN float64
			for i, x := range X {
				w := weights[i]
				if x[f] <= threshold {
					leftN += w
					leftPos += w * float64(y[i])
				} else {
					rightN += w
					rightPos += w * float64(y[i])
				}
			}
			score := gini(leftPos, leftN) + gini(rightPos, rightN)
			if score < bestScore {
				bestScore = score
				bestFeature = f
				bestThreshold = threshold
			}
		}
	}
	return bestFeature, bestThreshold
}

func gini(pos, n float64) float64 {
	if n == 0 {
		return 0
	}
	p := pos / n
	return n * 2 * p * (1 - p)
}

func laplace(pos, n float64) float64 {
	return (pos + 1) / (n + 2)
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}
