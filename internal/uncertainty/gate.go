package uncertainty

import (
	"fmt"
	"math"

	"go.uber.org/zap"
)

// GateVerdict is the gate's decision for one bar.
type GateVerdict struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`

	Prediction   Prediction   `json:"prediction"`
	Calibrated   float64      `json:"calibrated"`
	ConformalSet ConformalSet `json:"conformalSet"`
}

// GateConfig carries the gate thresholds.
type GateConfig struct {
	Enabled             bool
	MaxDisagreement     float64
	MaxProbaStd         float64
	MinGlobalConfidence float64
}

// Gate combines ensemble, calibrator, and conformal predictor into a single
// allow/reject check run before the RL gate.
type Gate struct {
	logger     *zap.Logger
	config     GateConfig
	ensemble   *Ensemble
	calibrator *Calibrator
	conformal  *Conformal
}

// NewGate wires the gate over its three members; calibrator and conformal
// may be nil when disabled.
func NewGate(logger *zap.Logger, config GateConfig, ensemble *Ensemble, calibrator *Calibrator, conformal *Conformal) *Gate {
	return &Gate{
		logger:     logger.Named("uncertainty-gate"),
		config:     config,
		ensemble:   ensemble,
		calibrator: calibrator,
		conformal:  conformal,
	}
}

// Check evaluates the feature vector. ALLOW requires every condition: low
// disagreement, low probability spread, high calibrated confidence, and an
// unambiguous conformal set.
func (g *Gate) Check(x []float64) GateVerdict {
	if !g.config.Enabled || g.ensemble == nil || !g.ensemble.Trained() {
		return GateVerdict{Allow: true, Reason: "uncertainty gate inactive"}
	}

	pred := g.ensemble.Predict(x)
	verdict := GateVerdict{Prediction: pred, Calibrated: pred.ProbaMean}

	if g.calibrator != nil {
		verdict.Calibrated = g.calibrator.Calibrate(pred.ProbaMean)
	}

	if pred.Disagreement > g.config.MaxDisagreement {
		verdict.Reason = fmt.Sprintf("model disagreement %.3f > %.3f", pred.Disagreement, g.config.MaxDisagreement)
		return verdict
	}
	if pred.ProbaStd > g.config.MaxProbaStd {
		verdict.Reason = fmt.Sprintf("probability std %.3f > %.3f", pred.ProbaStd, g.config.MaxProbaStd)
		return verdict
	}
	confidence := math.Max(verdict.Calibrated, 1-verdict.Calibrated)
	if confidence < g.config.MinGlobalConfidence {
		verdict.Reason = fmt.Sprintf("confidence %.3f < %.3f", confidence, g.config.MinGlobalConfidence)
		return verdict
	}
	if g.conformal != nil {
		verdict.ConformalSet = g.conformal.Predict(verdict.Calibrated)
		if verdict.ConformalSet.Ambiguous {
			verdict.Reason = fmt.Sprintf("conformal set ambiguous (size %d)", len(verdict.ConformalSet.Classes))
			return verdict
		}
	}

	verdict.Allow = true
	verdict.Reason = "all uncertainty checks passed"
	return verdict
}
