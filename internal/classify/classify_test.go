package classify

import (
	"context"
	"testing"
	"time"

	"drift-route-service/internal/embedclient"
	"drift-route-service/internal/model"
)

type fakeAnalyzer struct {
	analysis *embedclient.DriftAnalysis
	err      error
}

func (f *fakeAnalyzer) AnalyzeDrift(ctx context.Context, current, previous string, currentEmbedding, branchCentroid []float32) (*embedclient.DriftAnalysis, error) {
	return f.analysis, f.err
}

func TestClassifyAssistantAutoStay(t *testing.T) {
	c := New(nil)
	in := Input{
		Role:          model.RoleAssistant,
		CurrentBranch: &model.BranchSummary{ID: "b1"},
		Policy:        model.DefaultPolicy(),
	}
	got, err := c.Classify(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Action != model.ActionStay || got.TargetBranchID != "b1" {
		t.Errorf("expected STAY on b1, got %+v", got)
	}
	if got.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0, got %f", got.Confidence)
	}
}

func TestClassifyFirstBranch(t *testing.T) {
	c := New(nil)
	in := Input{
		Role:    model.RoleUser,
		Content: "hello there, let's talk about contracts",
		Policy:  model.DefaultPolicy(),
	}
	got, err := c.Classify(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Action != model.ActionBranch || got.DriftAction != model.DriftBranchNewCluster {
		t.Errorf("expected BRANCH/NEW_CLUSTER, got %+v", got)
	}
	if got.NewBranchTopic == "" {
		t.Errorf("expected a non-empty topic")
	}
}

func TestClassifyUninitializedCentroid(t *testing.T) {
	c := New(nil)
	in := Input{
		Role:          model.RoleUser,
		Content:       "anything",
		CurrentBranch: &model.BranchSummary{ID: "b1", Centroid: nil},
		Policy:        model.DefaultPolicy(),
	}
	got, err := c.Classify(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Action != model.ActionStay || got.Reason != "branch_no_centroid" {
		t.Errorf("expected STAY/branch_no_centroid, got %+v", got)
	}
}

func TestClassifyStayRawCosine(t *testing.T) {
	c := New(nil) // no analyzer, no last message -> raw cosine path
	in := Input{
		Role:          model.RoleUser,
		Content:       "more on the same topic",
		Embedding:     []float32{1, 0},
		CurrentBranch: &model.BranchSummary{ID: "b1", Centroid: []float32{1, 0}, UpdatedAt: time.Now()},
		Policy:        model.DefaultPolicy(),
	}
	got, err := c.Classify(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Action != model.ActionStay {
		t.Errorf("expected STAY, got %+v", got)
	}
	if got.Similarity != 1.0 {
		t.Errorf("expected similarity 1.0, got %f", got.Similarity)
	}
}

func TestClassifyRouteWithTopicReturnBoost(t *testing.T) {
	analyzer := &fakeAnalyzer{analysis: &embedclient.DriftAnalysis{
		BoostedSimilarity: 0.1, // low on current branch -> drift out
		Analysis: embedclient.DriftAnalysisFlags{
			HasTopicReturnSignal: true,
		},
	}}
	c := New(analyzer)
	now := time.Now()
	in := Input{
		Role:               model.RoleUser,
		Content:            "let's go back to the contract topic",
		Embedding:          []float32{0, 1},
		CurrentBranch:      &model.BranchSummary{ID: "current", Centroid: []float32{1, 0}, UpdatedAt: now},
		LastMessageContent: "previous message",
		HasLastMessage:     true,
		OtherBranches: []model.BranchSummary{
			{ID: "other1", Centroid: []float32{0, 1}, UpdatedAt: now, Summary: "contracts"},
		},
		Policy: model.DefaultPolicy(),
	}
	got, err := c.Classify(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Action != model.ActionRoute {
		t.Errorf("expected ROUTE, got %+v", got)
	}
	if got.TargetBranchID != "other1" {
		t.Errorf("expected target other1, got %s", got.TargetBranchID)
	}
	if got.Similarity != 1.0 { // 1.0 raw cosine * 2.5 boost clamped to 1.0
		t.Errorf("expected clamped similarity 1.0, got %f", got.Similarity)
	}
}

func TestClassifyBranchNewCluster(t *testing.T) {
	c := New(nil)
	now := time.Now()
	in := Input{
		Role:          model.RoleUser,
		Content:       "totally unrelated new subject",
		Embedding:     []float32{0, 1},
		CurrentBranch: &model.BranchSummary{ID: "current", Centroid: []float32{1, 0}, UpdatedAt: now},
		Policy:        model.DefaultPolicy(),
	}
	got, err := c.Classify(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Action != model.ActionBranch {
		t.Errorf("expected BRANCH, got %+v", got)
	}
	if got.DriftAction != model.DriftBranchNewCluster {
		t.Errorf("expected BRANCH_NEW_CLUSTER, got %s", got.DriftAction)
	}
}

func TestExtractTopicTruncation(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "word "
	}
	got := ExtractTopic(long)
	if len(got) != 100 { // 97 bytes + 3-byte ellipsis rune
		t.Errorf("expected truncated topic byte length 100, got %d: %q", len(got), got)
	}
}

func TestExtractTopicCollapsesWhitespace(t *testing.T) {
	got := ExtractTopic("  hello   world  \n\tfoo  ")
	if got != "hello world foo" {
		t.Errorf("expected collapsed whitespace, got %q", got)
	}
}
