package factextract

import (
	"context"

	"drift-route-service/internal/embedclient"
	"drift-route-service/internal/model"
)

// EmbeddingServiceExtractor adapts embedclient.Client's /analyze-message
// endpoint to the Extractor interface this package's workers consume.
type EmbeddingServiceExtractor struct {
	Client *embedclient.Client
}

// Extract calls the embedding service's fact-extraction endpoint and maps
// its response onto model.Fact.
func (e *EmbeddingServiceExtractor) Extract(ctx context.Context, branchID, content string) ([]model.Fact, error) {
	resp, err := e.Client.AnalyzeMessage(ctx, branchID, content)
	if err != nil {
		return nil, err
	}
	facts := make([]model.Fact, 0, len(resp.Facts))
	for _, f := range resp.Facts {
		facts = append(facts, model.Fact{
			BranchID:    branchID,
			Key:         f.Key,
			Value:       f.Value,
			Confidence:  f.Confidence,
			SourceMsgID: f.SourceMessageID,
		})
	}
	return facts, nil
}
