package uncertainty

import (
	"errors"
	"math"
	"sort"
)

// ConformalSet is a prediction set for one point: the classes whose
// nonconformity score stays under the calibrated threshold. Sets of size
// other than one are ambiguous.
type ConformalSet struct {
	Classes   []int `json:"classes"`
	Ambiguous bool  `json:"ambiguous"`
}

// Conformal is a split-conformal predictor over binary class probabilities.
type Conformal struct {
	alpha     float64
	threshold float64
	fitted    bool
}

// NewConformal creates a predictor at miscoverage level alpha.
func NewConformal(alpha float64) *Conformal {
	return &Conformal{alpha: alpha}
}

// Calibrate sets the nonconformity threshold from a calibration set of
// P(class=1) probabilities and true labels.
func (c *Conformal) Calibrate(probs []float64, labels []int) error {
	if len(probs) == 0 || len(probs) != len(labels) {
		return errors.New("conformal calibration requires matching non-empty probs and labels")
	}
	scores := make([]float64, len(probs))
	for i, p := range probs {
		scores[i] = nonconformity(p, labels[i])
	}
	sort.Float64s(scores)
	// Standard split-conformal quantile: ceil((n+1)(1-alpha))/n.
	n := len(scores)
	rank := int(math.Ceil(float64(n+1) * (1 - c.alpha)))
	if rank > n {
		rank = n
	}
	if rank < 1 {
		rank = 1
	}
	c.threshold = scores[rank-1]
	c.fitted = true
	return nil
}

// Predict returns the conformal set for a new P(class=1).
func (c *Conformal) Predict(prob float64) ConformalSet {
	if !c.fitted {
		return ConformalSet{Classes: []int{0, 1}, Ambiguous: true}
	}
	var classes []int
	for _, class := range []int{0, 1} {
		if nonconformity(prob, class) <= c.threshold {
			classes = append(classes, class)
		}
	}
	return ConformalSet{Classes: classes, Ambiguous: len(classes) != 1}
}

// nonconformity is one minus the probability assigned to the class.
func nonconformity(probClass1 float64, class int) float64 {
	if class == 1 {
		return 1 - probClass1
	}
	return probClass1
}
