package fraud

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

// writeModel saves a model artifact to a temp file and returns its path.
func writeModel(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fraud_model.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

// amountModel routes on feature 2 (amount): >= 1000 leans fraud.
const amountModel = `{
	"version": "v-test",
	"num_features": 11,
	"base_score": 0,
	"trees": [
		{"nodes": [
			{"feature": 2, "threshold": 1000, "left": 1, "right": 2},
			{"leaf": true, "value": -2.0},
			{"leaf": true, "value": 2.0}
		]}
	]
}`

func TestLoadModel(t *testing.T) {
	m, err := LoadModel(writeModel(t, amountModel))
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	if m.Version() != "v-test" {
		t.Errorf("version = %q, want v-test", m.Version())
	}
}

func TestLoadModel_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", `{{{`},
		{"missing version", `{"num_features": 11, "trees": [{"nodes": [{"leaf": true, "value": 0}]}]}`},
		{"wrong width", `{"version": "v1", "num_features": 7, "trees": [{"nodes": [{"leaf": true, "value": 0}]}]}`},
		{"no trees", `{"version": "v1", "num_features": 11, "trees": []}`},
		{"empty tree", `{"version": "v1", "num_features": 11, "trees": [{"nodes": []}]}`},
		{"feature out of range", `{"version": "v1", "num_features": 11, "trees": [{"nodes": [
			{"feature": 42, "threshold": 1, "left": 1, "right": 2},
			{"leaf": true, "value": 0}, {"leaf": true, "value": 0}
		]}]}`},
		{"child out of range", `{"version": "v1", "num_features": 11, "trees": [{"nodes": [
			{"feature": 0, "threshold": 1, "left": 9, "right": 1},
			{"leaf": true, "value": 0}
		]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadModel(writeModel(t, tt.content)); err == nil {
				t.Error("expected load error")
			}
		})
	}

	if _, err := LoadModel(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestModelScore(t *testing.T) {
	m, err := LoadModel(writeModel(t, amountModel))
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}

	small := Vector{Amount: 20, TypeCashIn: 1, WalletRatio: 0.2}
	fraud, p := m.Score(small)
	if fraud {
		t.Errorf("small amount predicted fraud (p=%v)", p)
	}
	if want := sigmoid(-2.0); math.Abs(p-want) > 1e-9 {
		t.Errorf("probability = %v, want %v", p, want)
	}

	large := Vector{Amount: 5000, TypeTransfer: 1, WalletRatio: 0.9}
	fraud, p = m.Score(large)
	if !fraud {
		t.Errorf("large amount not predicted fraud (p=%v)", p)
	}
	if want := sigmoid(2.0); math.Abs(p-want) > 1e-9 {
		t.Errorf("probability = %v, want %v", p, want)
	}
}

func TestModelEnsembleSumsMargins(t *testing.T) {
	// Two stumps on wallet_ratio plus a base score.
	content := `{
		"version": "v2",
		"num_features": 11,
		"base_score": 0.1,
		"trees": [
			{"nodes": [
				{"feature": 0, "threshold": 0.5, "left": 1, "right": 2},
				{"leaf": true, "value": -0.3},
				{"leaf": true, "value": 0.7}
			]},
			{"nodes": [
				{"feature": 0, "threshold": 0.8, "left": 1, "right": 2},
				{"leaf": true, "value": -0.1},
				{"leaf": true, "value": 0.5}
			]}
		]
	}`
	m, err := LoadModel(writeModel(t, content))
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}

	// ratio 0.6: first tree right (0.7), second tree left (-0.1), base 0.1
	p := m.PredictProba(Vector{WalletRatio: 0.6})
	if want := sigmoid(0.1 + 0.7 - 0.1); math.Abs(p-want) > 1e-9 {
		t.Errorf("probability = %v, want %v", p, want)
	}
}

func TestProbabilityBounds(t *testing.T) {
	m, err := LoadModel(writeModel(t, amountModel))
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	for _, v := range []Vector{{}, {Amount: 1e12}, {Amount: -1e12}} {
		p := m.PredictProba(v)
		if p < 0 || p > 1 {
			t.Errorf("probability %v out of [0,1]", p)
		}
	}
}
