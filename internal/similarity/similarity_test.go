package similarity

import (
	"math"
	"testing"

	"drift-route-service/internal/model"
)

func TestCosineIdentical(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	sim, err := Cosine(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(sim-1.0) > 1e-9 {
		t.Errorf("expected similarity 1.0, got %f", sim)
	}
}

func TestCosineOrthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	sim, err := Cosine(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(sim) > 1e-9 {
		t.Errorf("expected similarity 0.0, got %f", sim)
	}
}

func TestCosineDimensionMismatch(t *testing.T) {
	_, err := Cosine([]float32{1, 2}, []float32{1, 2, 3})
	if err == nil {
		t.Fatalf("expected DimensionMismatchError, got nil")
	}
	var dm *DimensionMismatchError
	if _, ok := err.(*DimensionMismatchError); !ok {
		t.Errorf("expected *DimensionMismatchError, got %T", err)
	}
	_ = dm
}

func TestCosineZeroMagnitude(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 3}
	sim, err := Cosine(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sim != 0 {
		t.Errorf("expected 0 similarity for zero-magnitude vector, got %f", sim)
	}
}

func TestDriftActionBoundaries(t *testing.T) {
	cases := []struct {
		sim      float64
		stay     float64
		newCl    float64
		expected model.DriftAction
	}{
		{0.48, 0.47, 0.20, model.DriftStay},
		{0.47, 0.47, 0.20, model.DriftBranchSameCluster}, // strict > boundary
		{0.21, 0.47, 0.20, model.DriftBranchSameCluster},
		{0.20, 0.47, 0.20, model.DriftBranchNewCluster}, // strict > boundary
		{0.05, 0.47, 0.20, model.DriftBranchNewCluster},
	}
	for _, c := range cases {
		got := DriftAction(c.sim, c.stay, c.newCl)
		if got != c.expected {
			t.Errorf("DriftAction(%f, %f, %f) = %s, want %s", c.sim, c.stay, c.newCl, got, c.expected)
		}
	}
}

func TestUpdateCentroidUninitialized(t *testing.T) {
	newEmbedding := []float32{0.5, 0.5}
	got, err := UpdateCentroid(nil, newEmbedding, 0, model.RoleUser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0] != newEmbedding[0] || got[1] != newEmbedding[1] {
		t.Errorf("expected centroid to equal new embedding, got %v", got)
	}
}

func TestUpdateCentroidZeroMagnitudeOld(t *testing.T) {
	old := []float32{0, 0}
	newEmbedding := []float32{0.3, 0.7}
	got, err := UpdateCentroid(old, newEmbedding, 5, model.RoleAssistant)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0] != newEmbedding[0] || got[1] != newEmbedding[1] {
		t.Errorf("expected centroid to equal new embedding, got %v", got)
	}
}

func TestUpdateCentroidWeightedAverageUser(t *testing.T) {
	old := []float32{1.0, 0.0}
	newEmbedding := []float32{0.0, 1.0}
	messageCount := 4
	got, err := UpdateCentroid(old, newEmbedding, messageCount, model.RoleUser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := 3.0
	denom := float64(messageCount) + w - 1
	want0 := float32(1.0 + w*(0.0-1.0)/denom)
	want1 := float32(0.0 + w*(1.0-0.0)/denom)
	if math.Abs(float64(got[0]-want0)) > 1e-6 {
		t.Errorf("got[0] = %f, want %f", got[0], want0)
	}
	if math.Abs(float64(got[1]-want1)) > 1e-6 {
		t.Errorf("got[1] = %f, want %f", got[1], want1)
	}
}

func TestUpdateCentroidDimensionMismatch(t *testing.T) {
	old := []float32{1.0, 0.0, 0.0}
	newEmbedding := []float32{0.0, 1.0}
	_, err := UpdateCentroid(old, newEmbedding, 4, model.RoleUser)
	if err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}
