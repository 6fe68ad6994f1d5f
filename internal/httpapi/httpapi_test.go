package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"drift-route-service/internal/classify"
	"drift-route-service/internal/execute"
	"drift-route-service/internal/factextract"
	"drift-route-service/internal/model"
	"drift-route-service/internal/pipeline"

	"github.com/gin-gonic/gin"
)

// fakeStore is a minimal in-memory stand-in for store.Store, implementing
// just enough of pipeline.BranchLister and execute.BranchWriter to drive a
// request through the HTTP layer without a real Postgres.
type fakeStore struct {
	branches []*model.Branch
	msgCount map[string]int
}

func newFakeStore() *fakeStore { return &fakeStore{msgCount: map[string]int{}} }

func (s *fakeStore) UpsertConversation(ctx context.Context, id string) error { return nil }

func (s *fakeStore) ListBranches(ctx context.Context, conversationID string) ([]model.BranchSummary, error) {
	var out []model.BranchSummary
	for _, b := range s.branches {
		out = append(out, model.BranchSummary{
			ID:        b.ID,
			Summary:   b.Summary,
			Centroid:  b.Centroid,
			ParentID:  b.ParentBranchID,
			DriftType: b.DriftType,
			UpdatedAt: b.UpdatedAt,
		})
	}
	return out, nil
}

func (s *fakeStore) LoadLastMessageContent(ctx context.Context, branchID string) (string, bool, error) {
	return "", false, nil
}

func (s *fakeStore) CreateBranch(ctx context.Context, conversationID string, parentID *string, summary string, centroid []float32, driftType model.DriftType) (*model.Branch, error) {
	b := &model.Branch{ID: "b" + string(rune('0'+len(s.branches))), ConversationID: conversationID, ParentBranchID: parentID, Summary: summary, Centroid: centroid, DriftType: driftType}
	s.branches = append(s.branches, b)
	s.msgCount[b.ID] = 1
	return b, nil
}

func (s *fakeStore) InsertMessage(ctx context.Context, conversationID, branchID string, role model.Role, content string, embedding []float32) (*model.Message, error) {
	return &model.Message{ID: "m1", ConversationID: conversationID, BranchID: branchID, Role: role, Content: content, Embedding: embedding}, nil
}

func (s *fakeStore) UpdateCentroidTx(ctx context.Context, branchID string, newEmbedding []float32, role model.Role, compute func(old []float32, messageCount int) ([]float32, error)) error {
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string, preprocess bool) ([]float32, error) {
	return []float32{1, 0}, nil
}

func newTestServer() (*Server, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	store := newFakeStore()
	p := &pipeline.Pipeline{
		Store:      store,
		Embedder:   fakeEmbedder{},
		Classifier: classify.New(nil),
		Executor:   execute.New(store, factextract.New(nil, nil, nil, 1), nil),
		Policy:     model.DefaultPolicy(),
	}
	s := New(p, nil)
	r := gin.New()
	s.Register(r)
	return s, r
}

func doPost(r *gin.Engine, path string, body map[string]string) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouteMessageEmptyContentIs400(t *testing.T) {
	_, r := newTestServer()

	w := doPost(r, "/messages", map[string]string{"conversationId": "c1", "content": ""})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["success"] != false {
		t.Errorf("expected success:false, got %+v", resp)
	}
}

func TestRouteMessageMissingConversationIdIs400(t *testing.T) {
	_, r := newTestServer()

	w := doPost(r, "/messages", map[string]string{"content": "hello"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRouteMessageBadRoleIs400(t *testing.T) {
	_, r := newTestServer()

	w := doPost(r, "/messages", map[string]string{"conversationId": "c1", "content": "hi", "role": "system"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRouteMessageFirstMessageBranches(t *testing.T) {
	_, r := newTestServer()

	w := doPost(r, "/drift/route", map[string]string{"conversationId": "c1", "content": "book a hotel in Paris"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Action      string `json:"action"`
			IsNewBranch bool   `json:"isNewBranch"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if !resp.Success || resp.Data.Action != "BRANCH" || !resp.Data.IsNewBranch {
		t.Errorf("expected BRANCH/isNewBranch, got %+v", resp)
	}
}

func TestMessagesAndDriftRouteAreAliases(t *testing.T) {
	_, r := newTestServer()

	w1 := doPost(r, "/messages", map[string]string{"conversationId": "c2", "content": "hello"})
	w2 := doPost(r, "/drift/route", map[string]string{"conversationId": "c3", "content": "hello"})
	if w1.Code != http.StatusOK || w2.Code != http.StatusOK {
		t.Fatalf("expected both aliases to succeed, got %d and %d", w1.Code, w2.Code)
	}
}
