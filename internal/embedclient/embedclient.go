// Package embedclient is a typed HTTP-JSON client for the external embedding
// service. It follows the retry/backoff shape the teacher's
// EmbeddingService.generateSingleEmbedding uses for Ollama calls, generalized
// to the six endpoints the routing pipeline needs.
package embedclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"drift-route-service/internal/apperr"
	"drift-route-service/internal/metrics"
	"drift-route-service/internal/xjson"
)

// Client calls the embedding service's /embed, /similarity, /analyze-drift,
// /entity-overlap, /analyze-message and /health endpoints.
type Client struct {
	baseURL    string
	http       *http.Client
	maxRetries int
}

// New builds a Client against baseURL with a 30s request timeout and up to 3
// attempts on /embed, matching the teacher's embedding-service defaults.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 3,
	}
}

// EmbedRequest is the /embed wire request.
type EmbedRequest struct {
	Text       string `json:"text"`
	Preprocess bool   `json:"preprocess"`
}

// EmbedResponse is the /embed wire response.
type EmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates an embedding for text. /embed failures are fatal — every
// retry is exhausted before returning an Unavailable error.
func (c *Client) Embed(ctx context.Context, text string, preprocess bool) ([]float32, error) {
	reqBody := EmbedRequest{Text: text, Preprocess: preprocess}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		var resp EmbedResponse
		err := c.post(ctx, "/embed", reqBody, &resp)
		if err == nil {
			return resp.Embedding, nil
		}
		lastErr = err
		metrics.EmbeddingClientErrors.WithLabelValues("embed").Inc()

		if attempt < c.maxRetries-1 {
			delay := time.Duration(1<<attempt) * time.Second
			select {
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.KindTimeout, "embedclient.Embed", ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	return nil, apperr.Wrap(apperr.KindUnavailable, "embedclient.Embed", fmt.Errorf("after %d attempts: %w", c.maxRetries, lastErr))
}

// SimilarityRequest is the /similarity wire request.
type SimilarityRequest struct {
	Text1      string `json:"text1"`
	Text2      string `json:"text2"`
	Preprocess bool   `json:"preprocess"`
}

// SimilarityResponse is the /similarity wire response.
type SimilarityResponse struct {
	Similarity float64 `json:"similarity"`
}

// Similarity compares two raw texts via the embedding service's own
// similarity endpoint (distinct from our local cosine kernel, which compares
// already-computed vectors).
func (c *Client) Similarity(ctx context.Context, t1, t2 string, preprocess bool) (float64, error) {
	var resp SimilarityResponse
	req := SimilarityRequest{Text1: t1, Text2: t2, Preprocess: preprocess}
	if err := c.post(ctx, "/similarity", req, &resp); err != nil {
		metrics.EmbeddingClientErrors.WithLabelValues("similarity").Inc()
		return 0, apperr.Wrap(apperr.KindUnavailable, "embedclient.Similarity", err)
	}
	return resp.Similarity, nil
}

// EntityOverlap is the shared-entity signal embedded in a DriftAnalysis.
type EntityOverlap struct {
	HasOverlap     bool     `json:"hasOverlap"`
	OverlapScore   float64  `json:"overlapScore"`
	SharedEntities []string `json:"sharedEntities"`
}

// DriftAnalysisFlags carries the embedding service's linguistic signals.
type DriftAnalysisFlags struct {
	CurrentIsQuestion      bool          `json:"currentIsQuestion"`
	PreviousIsQuestion     bool          `json:"previousIsQuestion"`
	CurrentHasAnaphoricRef bool          `json:"currentHasAnaphoricRef"`
	HasTopicReturnSignal   bool          `json:"hasTopicReturnSignal"`
	EntityOverlap          EntityOverlap `json:"entityOverlap"`
}

// DriftAnalysis is the /analyze-drift response.
type DriftAnalysis struct {
	RawSimilarity     float64            `json:"rawSimilarity"`
	BoostedSimilarity float64            `json:"boostedSimilarity"`
	BoostMultiplier   float64            `json:"boostMultiplier"`
	BoostsApplied     []string           `json:"boostsApplied"`
	Analysis          DriftAnalysisFlags `json:"analysis"`
}

type analyzeDriftRequest struct {
	Current          string    `json:"current"`
	Previous         string    `json:"previous"`
	CurrentEmbedding []float32 `json:"currentEmbedding"`
	BranchCentroid   []float32 `json:"branchCentroid"`
}

// AnalyzeDrift requests the embedding service's boosted-similarity analysis.
// Its failure is non-fatal: callers should fall back to raw cosine between
// currentEmbedding and branchCentroid, which is why this returns a plain
// error rather than an *apperr.Error — the classifier decides what to do
// with it.
func (c *Client) AnalyzeDrift(ctx context.Context, current, previous string, currentEmbedding, branchCentroid []float32) (*DriftAnalysis, error) {
	var resp DriftAnalysis
	req := analyzeDriftRequest{
		Current:          current,
		Previous:         previous,
		CurrentEmbedding: currentEmbedding,
		BranchCentroid:   branchCentroid,
	}
	if err := c.post(ctx, "/analyze-drift", req, &resp); err != nil {
		metrics.EmbeddingClientErrors.WithLabelValues("analyze_drift").Inc()
		return nil, err
	}
	return &resp, nil
}

// HealthStatus is the /health response.
type HealthStatus struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

// Health checks the embedding service's liveness.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var resp HealthStatus
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "embedclient.Health", err)
	}
	return &resp, nil
}

type entityOverlapRequest struct {
	Text1 string `json:"text1"`
	Text2 string `json:"text2"`
}

// EntityOverlapResponse is the /entity-overlap response.
type EntityOverlapResponse struct {
	EntityOverlap
}

// EntityOverlapOf calls the dedicated /entity-overlap endpoint directly, for
// callers that want the signal without a full drift analysis.
func (c *Client) EntityOverlapOf(ctx context.Context, text1, text2 string) (*EntityOverlapResponse, error) {
	var resp EntityOverlapResponse
	req := entityOverlapRequest{Text1: text1, Text2: text2}
	if err := c.post(ctx, "/entity-overlap", req, &resp); err != nil {
		metrics.EmbeddingClientErrors.WithLabelValues("entity_overlap").Inc()
		return nil, apperr.Wrap(apperr.KindUnavailable, "embedclient.EntityOverlapOf", err)
	}
	return &resp, nil
}

type analyzeMessageRequest struct {
	BranchID string `json:"branchId"`
	Content  string `json:"content"`
}

// ExtractedFact is one fact the embedding/NLP service's /analyze-message
// endpoint surfaced from a branch's settled conversation.
type ExtractedFact struct {
	Key             string   `json:"key"`
	Value           string   `json:"value"`
	Confidence      float64  `json:"confidence"`
	SourceMessageID []string `json:"sourceMessageIds"`
}

// AnalyzeMessageResponse is the /analyze-message response: the facts the
// service extracted from the branch's trigger content.
type AnalyzeMessageResponse struct {
	Facts []ExtractedFact `json:"facts"`
}

// AnalyzeMessage requests LLM-based fact extraction for a branch about to be
// left behind by a ROUTE or BRANCH decision. This is the external side
// effect the Executor fires asynchronously and never awaits.
func (c *Client) AnalyzeMessage(ctx context.Context, branchID, content string) (*AnalyzeMessageResponse, error) {
	var resp AnalyzeMessageResponse
	req := analyzeMessageRequest{BranchID: branchID, Content: content}
	if err := c.post(ctx, "/analyze-message", req, &resp); err != nil {
		metrics.EmbeddingClientErrors.WithLabelValues("analyze_message").Inc()
		return nil, apperr.Wrap(apperr.KindUnavailable, "embedclient.AnalyzeMessage", err)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := xjson.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("embedding service request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := xjson.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
