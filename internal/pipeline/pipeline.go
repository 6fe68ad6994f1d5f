// Package pipeline runs the routing pipeline's five critical stages
// (validate, loadBranches, embed, classify, execute) as an ordered fold over
// a shared request context, under a hard deadline.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"drift-route-service/internal/apperr"
	"drift-route-service/internal/classify"
	"drift-route-service/internal/embedclient"
	"drift-route-service/internal/execute"
	"drift-route-service/internal/metrics"
	"drift-route-service/internal/model"
	"drift-route-service/internal/tracing"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// BranchLister is the subset of store.Store the pipeline needs to load
// branch context.
type BranchLister interface {
	UpsertConversation(ctx context.Context, id string) error
	ListBranches(ctx context.Context, conversationID string) ([]model.BranchSummary, error)
	LoadLastMessageContent(ctx context.Context, branchID string) (string, bool, error)
}

// Embedder is the subset of embedclient.Client the pipeline needs.
type Embedder interface {
	Embed(ctx context.Context, text string, preprocess bool) ([]float32, error)
}

// Request is the routing request entering the pipeline.
type Request struct {
	ConversationID  string
	Content         string
	Role            model.Role
	CurrentBranchID string // optional
	ExtractFacts    *bool  // nil means use policy default
}

// reqContext carries inputs, resolved policy, and each stage's outputs, per
// stage across the fold — the only state any stage reads or writes.
type reqContext struct {
	req    Request
	policy model.Policy

	reasonCodes []string

	branches      []model.BranchSummary
	currentBranch *model.BranchSummary
	otherBranches []model.BranchSummary
	newConv       bool

	lastMessageContent string
	hasLastMessage     bool

	embedding []float32

	classification model.Classification

	result *model.DriftResult
}

// stage is a uniform pipeline step. All stages in this pipeline are
// critical: an error aborts the fold immediately.
type stage struct {
	name string
	fn   func(ctx context.Context, rc *reqContext) error
}

var tracer = otel.Tracer("drift-route-service/pipeline")

// Pipeline wires the Branch Store, Embedding Client, Classifier and
// Executor together and runs requests through the five stages under a
// deadline.
type Pipeline struct {
	Store      BranchLister
	Embedder   Embedder
	Classifier *classify.Classifier
	Executor   *execute.Executor
	Policy     model.Policy
	Logger     *zap.Logger
}

// Run executes the full pipeline for req, enforcing p.Policy.PipelineTimeout
// (or req's override, if ever added) as a hard deadline.
func (p *Pipeline) Run(ctx context.Context, req Request) (*model.DriftResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()

	timeout := p.Policy.PipelineTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rc := &reqContext{req: req, policy: p.Policy}
	if req.ExtractFacts != nil {
		rc.policy.ExtractFacts = *req.ExtractFacts
	}

	stages := []stage{
		{"validate", p.stageValidate},
		{"loadBranches", p.stageLoadBranches},
		{"embed", p.stageEmbed},
		{"classify", p.stageClassify},
		{"execute", p.stageExecute},
	}

	outcome := "ok"
	for _, st := range stages {
		stageCtx, stageSpan := tracing.StartStage(ctx, tracer, st.name)
		stageStart := time.Now()
		err := st.fn(stageCtx, rc)
		metrics.StageDuration.WithLabelValues(st.name).Observe(time.Since(stageStart).Seconds())
		if err != nil {
			stageSpan.RecordError(err)
		}
		stageSpan.End()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				outcome = "timeout"
				metrics.PipelineDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
				return nil, apperr.New(apperr.KindTimeout, "pipeline.Run", fmt.Sprintf("stage %q exceeded deadline", st.name))
			}
			outcome = "error"
			metrics.PipelineDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
			if p.Logger != nil {
				p.Logger.Warn("pipeline stage failed",
					zap.String("stage", st.name),
					zap.String("conversationId", req.ConversationID),
					zap.Error(err))
			}
			return nil, err
		}
	}

	if rc.result != nil {
		metrics.RequestsTotal.WithLabelValues(string(rc.result.Action)).Inc()
	}
	metrics.PipelineDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return rc.result, nil
}

func (p *Pipeline) stageValidate(ctx context.Context, rc *reqContext) error {
	if rc.req.ConversationID == "" {
		return apperr.New(apperr.KindInvalidInput, "pipeline.validate", "conversationId is required")
	}
	if rc.req.Content == "" {
		return apperr.New(apperr.KindInvalidInput, "pipeline.validate", "content is required")
	}
	if rc.req.Role == "" {
		rc.req.Role = model.RoleUser
	}
	if !rc.req.Role.Valid() {
		return apperr.New(apperr.KindInvalidInput, "pipeline.validate", "role must be user or assistant")
	}
	return p.Store.UpsertConversation(ctx, rc.req.ConversationID)
}

func (p *Pipeline) stageLoadBranches(ctx context.Context, rc *reqContext) error {
	branches, err := p.Store.ListBranches(ctx, rc.req.ConversationID)
	if err != nil {
		return err
	}
	if len(branches) > rc.policy.MaxBranchesForContext {
		branches = branches[:rc.policy.MaxBranchesForContext]
	}
	rc.branches = branches

	if len(branches) == 0 {
		rc.newConv = true
		rc.reasonCodes = append(rc.reasonCodes, "new_conversation")
		return nil
	}

	var current *model.BranchSummary
	if rc.req.CurrentBranchID != "" {
		for i := range branches {
			if branches[i].ID == rc.req.CurrentBranchID {
				current = &branches[i]
				break
			}
		}
		if current == nil {
			return apperr.New(apperr.KindNotFound, "pipeline.loadBranches", "currentBranchId not found among conversation branches")
		}
	} else {
		current = &branches[0] // most recently updated
	}
	current.IsCurrent = true
	rc.currentBranch = current

	for _, b := range branches {
		if b.ID != current.ID {
			rc.otherBranches = append(rc.otherBranches, b)
		}
	}

	content, ok, err := p.Store.LoadLastMessageContent(ctx, current.ID)
	if err != nil {
		return err
	}
	rc.lastMessageContent = content
	rc.hasLastMessage = ok
	return nil
}

func (p *Pipeline) stageEmbed(ctx context.Context, rc *reqContext) error {
	embedding, err := p.Embedder.Embed(ctx, rc.req.Content, rc.policy.Preprocess)
	if err != nil {
		return err
	}
	rc.embedding = embedding
	return nil
}

func (p *Pipeline) stageClassify(ctx context.Context, rc *reqContext) error {
	in := classify.Input{
		Content:            rc.req.Content,
		Role:               rc.req.Role,
		Embedding:          rc.embedding,
		CurrentBranch:      rc.currentBranch,
		OtherBranches:      rc.otherBranches,
		LastMessageContent: rc.lastMessageContent,
		HasLastMessage:     rc.hasLastMessage,
		Policy:             rc.policy,
	}
	classification, err := p.Classifier.Classify(ctx, in)
	if err != nil {
		return err
	}
	rc.classification = classification
	rc.reasonCodes = append(rc.reasonCodes, classification.ReasonCodes...)
	return nil
}

func (p *Pipeline) stageExecute(ctx context.Context, rc *reqContext) error {
	var currentBranchID string
	if rc.currentBranch != nil {
		currentBranchID = rc.currentBranch.ID
	}
	result, err := p.Executor.Execute(ctx, execute.Input{
		ConversationID:  rc.req.ConversationID,
		Content:         rc.req.Content,
		Role:            rc.req.Role,
		Embedding:       rc.embedding,
		CurrentBranchID: currentBranchID,
		Classification:  rc.classification,
		ExtractFacts:    rc.policy.ExtractFacts,
	})
	if err != nil {
		return err
	}
	result.ReasonCodes = append(rc.reasonCodes, result.ReasonCodes...)
	rc.result = result
	return nil
}
