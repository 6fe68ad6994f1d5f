// Package classify implements the Classifier: the decision procedure that
// turns an embedded message plus the current branch state into a
// Classification (STAY, ROUTE, or BRANCH) with full reason-code provenance.
package classify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"drift-route-service/internal/embedclient"
	"drift-route-service/internal/model"
	"drift-route-service/internal/similarity"
)

// DriftAnalyzer is the subset of embedclient.Client the Classifier depends
// on, so tests can substitute a fake.
type DriftAnalyzer interface {
	AnalyzeDrift(ctx context.Context, current, previous string, currentEmbedding, branchCentroid []float32) (*embedclient.DriftAnalysis, error)
}

// Classifier holds no state; it's a pure decision function grouped as a
// type so it can carry the embedding client dependency.
type Classifier struct {
	Analyzer DriftAnalyzer
}

// New builds a Classifier against the given drift analyzer.
func New(analyzer DriftAnalyzer) *Classifier {
	return &Classifier{Analyzer: analyzer}
}

// Input bundles everything the decision order (A through G) reads.
type Input struct {
	Content            string
	Role               model.Role
	Embedding          []float32
	CurrentBranch      *model.BranchSummary // nil if conversation has no branches yet
	OtherBranches      []model.BranchSummary
	LastMessageContent string
	HasLastMessage     bool
	Policy             model.Policy
}

// Classify runs the decision order A→G and returns a full Classification.
func (c *Classifier) Classify(ctx context.Context, in Input) (model.Classification, error) {
	// A. Assistant auto-STAY.
	if in.Role == model.RoleAssistant {
		return model.Classification{
			Action:         model.ActionStay,
			DriftAction:    model.DriftStay,
			TargetBranchID: branchID(in.CurrentBranch),
			Similarity:     1.0,
			Confidence:     1.0,
			Reason:         "assistant_auto_stay",
			ReasonCodes:    []string{"assistant_auto_stay"},
		}, nil
	}

	// B. First branch.
	if in.CurrentBranch == nil && len(in.OtherBranches) == 0 {
		topic := ExtractTopic(in.Content)
		return model.Classification{
			Action:         model.ActionBranch,
			DriftAction:    model.DriftBranchNewCluster,
			NewBranchTopic: topic,
			Similarity:     0,
			Confidence:     1.0,
			Reason:         "first_branch",
			ReasonCodes:    []string{"first_branch"},
		}, nil
	}

	// C. Uninitialized centroid.
	if in.CurrentBranch != nil && len(in.CurrentBranch.Centroid) == 0 {
		return model.Classification{
			Action:         model.ActionStay,
			DriftAction:    model.DriftStay,
			TargetBranchID: in.CurrentBranch.ID,
			Similarity:     1.0,
			Confidence:     1.0,
			Reason:         "branch_no_centroid",
			ReasonCodes:    []string{"branch_no_centroid"},
		}, nil
	}

	// D. Score current branch. A single analyzeDrift call (when available)
	// serves both the current-branch score and the topic-return signal the
	// ROUTE search needs, rather than asking the embedding service twice.
	analysis := c.fetchAnalysis(ctx, in)
	sim, reasonCodes, boostNote, err := c.scoreCurrent(in, analysis)
	if err != nil {
		return model.Classification{}, err
	}
	act := similarity.DriftAction(sim, in.Policy.StayThreshold, in.Policy.NewClusterThreshold)

	// E. STAY.
	if act == model.DriftStay {
		reason := fmt.Sprintf("similar_to_current (sim > stayθ%s)", boostNote)
		codes := append([]string{"similar_to_current"}, reasonCodes...)
		return model.Classification{
			Action:         model.ActionStay,
			DriftAction:    act,
			TargetBranchID: in.CurrentBranch.ID,
			Similarity:     sim,
			Confidence:     sim,
			Reason:         reason,
			ReasonCodes:    codes,
		}, nil
	}

	// F. ROUTE candidate search.
	hasTopicReturn := analysis != nil && analysis.Analysis.HasTopicReturnSignal
	best, bestScore, boosted := c.bestRouteCandidate(in, hasTopicReturn)
	if best != nil && bestScore > in.Policy.RouteThreshold {
		driftAct := similarity.DriftAction(bestScore, in.Policy.StayThreshold, in.Policy.NewClusterThreshold)
		note := ""
		codes := []string{"route_existing"}
		if boosted {
			note = ", topic_return_boost"
			codes = append(codes, "topic_return_signal")
		}
		reason := fmt.Sprintf("routing_to_existing %q (score > routeθ%s)", best.Summary, note)
		return model.Classification{
			Action:         model.ActionRoute,
			DriftAction:    driftAct,
			TargetBranchID: best.ID,
			Similarity:     bestScore,
			Confidence:     bestScore,
			Reason:         reason,
			ReasonCodes:    codes,
		}, nil
	}

	// G. BRANCH.
	topic := ExtractTopic(in.Content)
	reasonCode := "branch_new_cluster"
	if act == model.DriftBranchSameCluster {
		reasonCode = "branch_same_cluster"
	}
	parentID := ""
	if in.CurrentBranch != nil {
		parentID = in.CurrentBranch.ID
	}
	return model.Classification{
		Action:         model.ActionBranch,
		DriftAction:    act,
		TargetBranchID: parentID,
		NewBranchTopic: topic,
		Similarity:     sim,
		Confidence:     1 - sim,
		Reason:         reasonCode,
		ReasonCodes:    []string{reasonCode},
	}, nil
}

// fetchAnalysis calls the embedding service's drift analysis once per
// request, when there's a prior message to compare against and an analyzer
// is configured. Its result feeds both scoreCurrent (stage D) and the
// topic-return check in the ROUTE search (stage F). A failure here is
// non-fatal: callers fall back to raw cosine / no boost.
func (c *Classifier) fetchAnalysis(ctx context.Context, in Input) *embedclient.DriftAnalysis {
	if !in.HasLastMessage || c.Analyzer == nil || in.CurrentBranch == nil {
		return nil
	}
	analysis, err := c.Analyzer.AnalyzeDrift(ctx, in.Content, in.LastMessageContent, in.Embedding, in.CurrentBranch.Centroid)
	if err != nil {
		return nil
	}
	return analysis
}

// scoreCurrent computes the similarity between the new message and the
// current branch, preferring the embedding service's boosted analysis and
// falling back to raw cosine when analysis is unavailable.
func (c *Classifier) scoreCurrent(in Input, analysis *embedclient.DriftAnalysis) (float64, []string, string, error) {
	if analysis != nil {
		var codes []string
		var note strings.Builder
		if len(analysis.BoostsApplied) > 0 {
			note.WriteString(", boosts: ")
			note.WriteString(strings.Join(analysis.BoostsApplied, ", "))
			codes = append(codes, analysis.BoostsApplied...)
		}
		return analysis.BoostedSimilarity, codes, note.String(), nil
	}

	sim, err := similarity.Cosine(in.Embedding, in.CurrentBranch.Centroid)
	if err != nil {
		return 0, nil, "", err
	}
	return sim, nil, "", nil
}

// bestRouteCandidate scores every other branch's centroid via raw cosine,
// applies the topic-return boost when hasTopicReturn is set, and picks the
// top-ranked candidate.
func (c *Classifier) bestRouteCandidate(in Input, hasTopicReturn bool) (*model.BranchSummary, float64, bool) {
	type scored struct {
		branch model.BranchSummary
		score  float64
	}
	var candidates []scored
	for _, b := range in.OtherBranches {
		if len(b.Centroid) == 0 {
			continue
		}
		sim, err := similarity.Cosine(in.Embedding, b.Centroid)
		if err != nil {
			continue
		}
		if hasTopicReturn {
			sim = sim * in.Policy.TopicReturnBoostFactor
			if sim > 1.0 {
				sim = 1.0
			}
		}
		candidates = append(candidates, scored{branch: b, score: sim})
	}
	if len(candidates) == 0 {
		return nil, 0, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if !candidates[i].branch.UpdatedAt.Equal(candidates[j].branch.UpdatedAt) {
			return candidates[i].branch.UpdatedAt.After(candidates[j].branch.UpdatedAt)
		}
		return candidates[i].branch.ID > candidates[j].branch.ID
	})

	best := candidates[0]
	return &best.branch, best.score, hasTopicReturn
}

// ExtractTopic derives a short branch summary from raw message content:
// collapse whitespace, trim, and cap at 100 characters with an ellipsis.
func ExtractTopic(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	collapsed = strings.TrimSpace(collapsed)
	runes := []rune(collapsed)
	if len(runes) > 100 {
		return string(runes[:97]) + "…"
	}
	return collapsed
}

func branchID(b *model.BranchSummary) string {
	if b == nil {
		return ""
	}
	return b.ID
}
