// Package model holds the durable routing entities: conversations, branches
// and messages, plus the small value types the pipeline passes between stages.
package model

import "time"

// Role is the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a recognized role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// DriftType records whether a Branch was born of a new-cluster drift or a
// same-cluster drift.
type DriftType string

const (
	DriftTypeSemantic   DriftType = "semantic"
	DriftTypeFunctional DriftType = "functional"
)

// Conversation is the root container for a routing session.
type Conversation struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Branch is a node in a conversation's topic tree.
type Branch struct {
	ID             string
	ConversationID string
	ParentBranchID *string
	Summary        string
	Centroid       []float32
	DriftType      DriftType
	Depth          int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BranchSummary is the projection listBranches returns: a Branch plus derived
// context the pipeline needs without a second round trip.
type BranchSummary struct {
	ID           string
	Summary      string
	MessageCount int
	Centroid     []float32
	ParentID     *string
	DriftType    DriftType
	UpdatedAt    time.Time
	IsCurrent    bool
}

// Message is an append-only row belonging to one Branch and one Conversation.
type Message struct {
	ID             string
	ConversationID string
	BranchID       string
	Role           Role
	Content        string
	Embedding      []float32
	CreatedAt      time.Time
}

// Fact is an external side-effect of routing, referenced only so the
// fact-extraction worker has a return shape to populate; the core never reads
// facts back.
type Fact struct {
	ID          string
	BranchID    string
	Key         string
	Value       string
	Confidence  float64
	SourceMsgID []string
	CreatedAt   time.Time
}

// Action is the routing decision's outward classification.
type Action string

const (
	ActionStay   Action = "STAY"
	ActionRoute  Action = "ROUTE"
	ActionBranch Action = "BRANCH"
)

// DriftAction is the finer-grained bucket produced by the similarity kernel.
type DriftAction string

const (
	DriftStay              DriftAction = "STAY"
	DriftBranchSameCluster DriftAction = "BRANCH_SAME_CLUSTER"
	DriftBranchNewCluster  DriftAction = "BRANCH_NEW_CLUSTER"
)

// Policy carries the routing thresholds and switches. Only ExtractFacts can
// be overridden per request (pipeline.Request.ExtractFacts); the thresholds
// and the other fields apply to every request the process serves.
type Policy struct {
	StayThreshold           float64
	NewClusterThreshold     float64
	RouteThreshold          float64
	MaxBranchesForContext   int
	TopicReturnBoostFactor  float64
	UserCentroidWeight      float64
	AssistantCentroidWeight float64
	PipelineTimeout         time.Duration
	ExtractFacts            bool
	Preprocess              bool
}

// DefaultPolicy returns the spec's canonical defaults (§9's resolved open
// question: env-configurable path with fallback 0.47/0.20/0.42).
func DefaultPolicy() Policy {
	return Policy{
		StayThreshold:           0.47,
		NewClusterThreshold:     0.20,
		RouteThreshold:          0.42,
		MaxBranchesForContext:   10,
		TopicReturnBoostFactor:  2.5,
		UserCentroidWeight:      3.0,
		AssistantCentroidWeight: 1.0,
		PipelineTimeout:         10 * time.Second,
		ExtractFacts:            true,
		Preprocess:              false,
	}
}

// Classification is the Classifier's full verdict.
type Classification struct {
	Action         Action
	DriftAction    DriftAction
	TargetBranchID string
	NewBranchTopic string
	Similarity     float64
	Confidence     float64
	Reason         string
	ReasonCodes    []string
}

// DriftResult is returned to the HTTP layer with full provenance.
type DriftResult struct {
	Action           Action
	DriftAction      DriftAction
	BranchID         string
	MessageID        string
	ConversationID   string
	PreviousBranchID string
	IsNewBranch      bool
	IsNewCluster     bool
	BranchTopic      string
	Similarity       float64
	Confidence       float64
	Reason           string
	ReasonCodes      []string
}
