package fraud

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// modelBoundary is the classifier's own decision boundary for the predicted
// label. It is independent from the engine's configurable hold threshold.
const modelBoundary = 0.5

// Model is a gradient-boosted tree ensemble over the fixed feature ordering,
// loaded from a versioned JSON artifact. Immutable after load; safe for
// concurrent use.
type Model struct {
	version   string
	baseScore float64
	trees     []tree
}

type tree struct {
	Nodes []node `json:"nodes"`
}

// node is one decision node. Interior nodes route on values[Feature] <
// Threshold; leaves contribute Value to the ensemble margin.
type node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Leaf      bool    `json:"leaf"`
	Value     float64 `json:"value"`
}

type modelFile struct {
	Version     string  `json:"version"`
	NumFeatures int     `json:"num_features"`
	BaseScore   float64 `json:"base_score"`
	Trees       []tree  `json:"trees"`
}

// LoadModel reads and validates a model artifact from disk. Called once at
// process start; the returned handle is injected wherever scoring happens.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}

	var mf modelFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact: %w", err)
	}

	if mf.Version == "" {
		return nil, fmt.Errorf("model artifact missing version")
	}
	if mf.NumFeatures != NumFeatures {
		return nil, fmt.Errorf("model expects %d features, this build scores %d", mf.NumFeatures, NumFeatures)
	}
	if len(mf.Trees) == 0 {
		return nil, fmt.Errorf("model artifact has no trees")
	}
	for ti, t := range mf.Trees {
		if len(t.Nodes) == 0 {
			return nil, fmt.Errorf("tree %d has no nodes", ti)
		}
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= NumFeatures {
				return nil, fmt.Errorf("tree %d node %d: feature index %d out of range", ti, ni, n.Feature)
			}
			if n.Left < 0 || n.Left >= len(t.Nodes) || n.Right < 0 || n.Right >= len(t.Nodes) {
				return nil, fmt.Errorf("tree %d node %d: child index out of range", ti, ni)
			}
		}
	}

	return &Model{
		version:   mf.Version,
		baseScore: mf.BaseScore,
		trees:     mf.Trees,
	}, nil
}

// Version returns the artifact version carried alongside every persisted score.
func (m *Model) Version() string {
	return m.version
}

// Score runs the ensemble and applies the model's own decision boundary.
func (m *Model) Score(v Vector) (bool, float64) {
	p := m.PredictProba(v)
	return p >= modelBoundary, p
}

// PredictProba returns the fraud probability: sigmoid of the summed leaf
// margins, matching the training objective (binary logistic).
func (m *Model) PredictProba(v Vector) float64 {
	values := v.Values()

	margin := m.baseScore
	for i := range m.trees {
		margin += m.trees[i].eval(values)
	}
	return sigmoid(margin)
}

func (t *tree) eval(values [NumFeatures]float64) float64 {
	n := &t.Nodes[0]
	for !n.Leaf {
		if values[n.Feature] < n.Threshold {
			n = &t.Nodes[n.Left]
		} else {
			n = &t.Nodes[n.Right]
		}
	}
	return n.Value
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
