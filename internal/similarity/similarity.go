// Package similarity implements the pure vector-math kernel the routing
// pipeline classifies against: cosine similarity, the drift-action bucket a
// similarity score falls into, and the role-weighted centroid update.
//
// Every function here is deterministic and allocation-light; none of it
// touches the network or a store, matching the teacher's
// vector_store.go/cosineSimilarity split between math and I/O.
package similarity

import (
	"fmt"

	"drift-route-service/internal/model"
	"gonum.org/v1/gonum/floats"
)

// DimensionMismatchError reports that two vectors being compared have
// different lengths.
type DimensionMismatchError struct {
	A, B int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("similarity: dimension mismatch: %d vs %d", e.A, e.B)
}

// Cosine returns the cosine similarity of a and b. A zero-magnitude vector
// on either side yields 0 rather than NaN.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{A: len(a), B: len(b)}
	}
	if len(a) == 0 {
		return 0, nil
	}

	af := make([]float64, len(a))
	bf := make([]float64, len(b))
	for i := range a {
		af[i] = float64(a[i])
		bf[i] = float64(b[i])
	}

	normA := floats.Norm(af, 2)
	normB := floats.Norm(bf, 2)
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	dot := floats.Dot(af, bf)
	return dot / (normA * normB), nil
}

// DriftAction buckets a similarity score against the conversation's policy
// thresholds. Boundaries are strict: a score exactly on a threshold falls to
// the lower bucket.
func DriftAction(sim, stayThreshold, newClusterThreshold float64) model.DriftAction {
	switch {
	case sim > stayThreshold:
		return model.DriftStay
	case sim > newClusterThreshold:
		return model.DriftBranchSameCluster
	default:
		return model.DriftBranchNewCluster
	}
}

// UpdateCentroid folds a new message embedding into a branch's running
// centroid, weighting user messages more heavily than assistant messages
// (the spec's rationale: user turns carry more topical signal than
// assistant responses, which often restate or elaborate).
//
// An uninitialized centroid (zero length, or all-zero magnitude) is
// replaced outright by the new embedding rather than averaged with zeros.
func UpdateCentroid(old []float32, newEmbedding []float32, messageCount int, role model.Role) ([]float32, error) {
	if len(newEmbedding) == 0 {
		return nil, fmt.Errorf("similarity: empty embedding")
	}
	if len(old) == 0 {
		out := make([]float32, len(newEmbedding))
		copy(out, newEmbedding)
		return out, nil
	}
	if len(old) != len(newEmbedding) {
		return nil, &DimensionMismatchError{A: len(old), B: len(newEmbedding)}
	}

	if magnitudeZero(old) {
		out := make([]float32, len(newEmbedding))
		copy(out, newEmbedding)
		return out, nil
	}

	policy := model.DefaultPolicy()
	weight := policy.AssistantCentroidWeight
	if role == model.RoleUser {
		weight = policy.UserCentroidWeight
	}

	denom := float64(messageCount) + weight - 1
	out := make([]float32, len(old))
	for i := range old {
		oi := float64(old[i])
		ni := float64(newEmbedding[i])
		out[i] = float32(oi + weight*(ni-oi)/denom)
	}
	return out, nil
}

func magnitudeZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
