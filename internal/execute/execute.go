// Package execute implements the Executor: the single critical section that
// materializes a Classification into durable state — resolving or creating
// the target branch, inserting the message, updating the centroid, and
// firing the asynchronous fact-extraction task.
package execute

import (
	"context"
	"fmt"

	"drift-route-service/internal/apperr"
	"drift-route-service/internal/factextract"
	"drift-route-service/internal/model"
	"drift-route-service/internal/similarity"

	"go.uber.org/zap"
)

// BranchWriter is the subset of store.Store the Executor needs.
type BranchWriter interface {
	CreateBranch(ctx context.Context, conversationID string, parentID *string, summary string, centroid []float32, driftType model.DriftType) (*model.Branch, error)
	InsertMessage(ctx context.Context, conversationID, branchID string, role model.Role, content string, embedding []float32) (*model.Message, error)
	UpdateCentroidTx(ctx context.Context, branchID string, newEmbedding []float32, role model.Role, compute func(old []float32, messageCount int) ([]float32, error)) error
}

// Executor commits a Classification against the Branch Store and triggers
// async fact extraction for departing branches.
type Executor struct {
	Store  BranchWriter
	Facts  *factextract.Worker
	Logger *zap.Logger
}

// New builds an Executor.
func New(store BranchWriter, facts *factextract.Worker, logger *zap.Logger) *Executor {
	return &Executor{Store: store, Facts: facts, Logger: logger}
}

// Input bundles what the Executor needs to act on a Classification.
type Input struct {
	ConversationID  string
	Content         string
	Role            model.Role
	Embedding       []float32
	CurrentBranchID string
	Classification  model.Classification
	ExtractFacts    bool
}

// Execute resolves the target branch, inserts the message, updates the
// centroid (skipped for BRANCH, whose centroid is the embedding itself),
// and fires fact extraction for the departing branch on BRANCH/ROUTE.
func (e *Executor) Execute(ctx context.Context, in Input) (*model.DriftResult, error) {
	cls := in.Classification

	var targetBranchID string
	var isNewBranch bool

	switch cls.Action {
	case model.ActionStay:
		if in.CurrentBranchID == "" {
			return nil, apperr.New(apperr.KindInternal, "execute.Execute", "STAY with no current branch")
		}
		targetBranchID = in.CurrentBranchID

	case model.ActionRoute:
		if cls.TargetBranchID == "" {
			return nil, apperr.New(apperr.KindInvalidInput, "execute.Execute", "ROUTE requires a targetBranchId")
		}
		targetBranchID = cls.TargetBranchID

	case model.ActionBranch:
		var parentID *string
		if in.CurrentBranchID != "" {
			p := in.CurrentBranchID
			parentID = &p
		}
		summary := cls.NewBranchTopic
		if summary == "" {
			summary = truncate(in.Content, 100)
		}
		driftType := model.DriftTypeFunctional
		if cls.DriftAction == model.DriftBranchNewCluster {
			driftType = model.DriftTypeSemantic
		}
		branch, err := e.Store.CreateBranch(ctx, in.ConversationID, parentID, summary, in.Embedding, driftType)
		if err != nil {
			return nil, err
		}
		targetBranchID = branch.ID
		isNewBranch = true

	default:
		return nil, apperr.New(apperr.KindInternal, "execute.Execute", fmt.Sprintf("unknown action %q", cls.Action))
	}

	msg, err := e.Store.InsertMessage(ctx, in.ConversationID, targetBranchID, in.Role, in.Content, in.Embedding)
	if err != nil {
		return nil, err
	}

	if cls.Action != model.ActionBranch {
		embedding := in.Embedding
		role := in.Role
		err := e.Store.UpdateCentroidTx(ctx, targetBranchID, embedding, role, func(old []float32, messageCount int) ([]float32, error) {
			return similarity.UpdateCentroid(old, embedding, messageCount, role)
		})
		if err != nil {
			return nil, err
		}
	}

	if (cls.Action == model.ActionBranch || cls.Action == model.ActionRoute) && in.ExtractFacts && in.CurrentBranchID != "" {
		e.Facts.Enqueue(factextract.Job{
			BranchID:       in.CurrentBranchID,
			ConversationID: in.ConversationID,
			TriggerContent: in.Content,
		})
	}

	var previousBranchID string
	if in.CurrentBranchID != "" && in.CurrentBranchID != targetBranchID {
		previousBranchID = in.CurrentBranchID
	}

	return &model.DriftResult{
		Action:           cls.Action,
		DriftAction:      cls.DriftAction,
		BranchID:         targetBranchID,
		MessageID:        msg.ID,
		ConversationID:   in.ConversationID,
		PreviousBranchID: previousBranchID,
		IsNewBranch:      isNewBranch,
		IsNewCluster:     cls.DriftAction == model.DriftBranchNewCluster,
		BranchTopic:      cls.NewBranchTopic,
		Similarity:       cls.Similarity,
		Confidence:       cls.Confidence,
		Reason:           cls.Reason,
		ReasonCodes:      cls.ReasonCodes,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
