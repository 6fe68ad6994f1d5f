// Package httpapi exposes the routing pipeline over HTTP, in the
// gin.Context-handler-method shape the teacher's unified-rag-service and
// go-chat-service use: a struct holding its collaborators, one method per
// route, every response wrapped in the {success, data|error} envelope.
package httpapi

import (
	"net/http"

	"drift-route-service/internal/apperr"
	"drift-route-service/internal/metrics"
	"drift-route-service/internal/model"
	"drift-route-service/internal/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Server wires the routing pipeline to gin routes.
type Server struct {
	Pipeline *pipeline.Pipeline
	Logger   *zap.Logger
	validate *validator.Validate
}

// New builds a Server around p.
func New(p *pipeline.Pipeline, logger *zap.Logger) *Server {
	v := validator.New()
	v.SetTagName("binding")
	return &Server{Pipeline: p, Logger: logger, validate: v}
}

// Register mounts the routing endpoint and its alias on r, matching the
// spec's §6 surface: POST /messages, alias POST /drift/route.
func (s *Server) Register(r gin.IRouter) {
	r.POST("/messages", s.routeMessage)
	r.POST("/drift/route", s.routeMessage)
}

// routeRequest is the wire shape of a routing request body.
type routeRequest struct {
	ConversationID  string `json:"conversationId" binding:"required"`
	Content         string `json:"content"`
	Role            string `json:"role" binding:"omitempty,oneof=user assistant"`
	CurrentBranchID string `json:"currentBranchId"`
	ExtractFacts    *bool  `json:"extractFacts"`
}

// routeResponseData is the wire shape of a successful routing response's
// data payload, per spec §6.
type routeResponseData struct {
	Action           model.Action      `json:"action"`
	DriftAction      model.DriftAction `json:"driftAction"`
	BranchID         string            `json:"branchId"`
	MessageID        string            `json:"messageId"`
	ConversationID   string            `json:"conversationId"`
	PreviousBranchID string            `json:"previousBranchId,omitempty"`
	IsNewBranch      bool              `json:"isNewBranch"`
	IsNewCluster     bool              `json:"isNewCluster"`
	BranchTopic      string            `json:"branchTopic,omitempty"`
	Similarity       float64           `json:"similarity"`
	Confidence       float64           `json:"confidence"`
	Reason           string            `json:"reason"`
	ReasonCodes      []string          `json:"reasonCodes,omitempty"`
}

func (s *Server) routeMessage(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Content == "" {
		s.fail(c, http.StatusBadRequest, "content is required")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(c, http.StatusBadRequest, err.Error())
		return
	}

	role := model.Role(req.Role)
	if role == "" {
		role = model.RoleUser
	}

	result, err := s.Pipeline.Run(c.Request.Context(), pipeline.Request{
		ConversationID:  req.ConversationID,
		Content:         req.Content,
		Role:            role,
		CurrentBranchID: req.CurrentBranchID,
		ExtractFacts:    req.ExtractFacts,
	})
	if err != nil {
		s.failErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": routeResponseData{
			Action:           result.Action,
			DriftAction:      result.DriftAction,
			BranchID:         result.BranchID,
			MessageID:        result.MessageID,
			ConversationID:   result.ConversationID,
			PreviousBranchID: result.PreviousBranchID,
			IsNewBranch:      result.IsNewBranch,
			IsNewCluster:     result.IsNewCluster,
			BranchTopic:      result.BranchTopic,
			Similarity:       result.Similarity,
			Confidence:       result.Confidence,
			Reason:           result.Reason,
			ReasonCodes:      result.ReasonCodes,
		},
	})
}

func (s *Server) fail(c *gin.Context, status int, message string) {
	metrics.RequestsTotal.WithLabelValues("error").Inc()
	c.JSON(status, gin.H{
		"success": false,
		"error":   gin.H{"message": message},
	})
}

func (s *Server) failErr(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	// The spec's §7 table puts Unavailable and Timeout on 400/500 from the
	// caller's point of view even though they carry a distinct internal
	// kind; gin's JSON envelope only ever reports success:false + message.
	if status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout {
		status = http.StatusInternalServerError
	}
	if kind == apperr.KindInvalidInput || kind == apperr.KindNotFound {
		status = http.StatusBadRequest
	}
	if s.Logger != nil {
		s.Logger.Warn("routing request failed", zap.Error(err), zap.String("kind", string(kind)))
	}
	s.fail(c, status, err.Error())
}
