// Package api is the HTTP façade: query submission and polling, knowledge
// base document management, and retrieval-only Q&A.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/querylens/querylens/pkg/bus"
	"github.com/querylens/querylens/pkg/kb"
	"github.com/querylens/querylens/pkg/metrics"
	"github.com/querylens/querylens/pkg/models"
	"github.com/querylens/querylens/pkg/saga"
	"github.com/querylens/querylens/pkg/version"
)

// maxUploadBytes caps knowledge base document uploads.
const maxUploadBytes = 10 << 20

// QuerySubmitter starts a query saga.
type QuerySubmitter interface {
	SubmitQuery(ctx context.Context, tenantID, question string) (string, error)
}

// Server wires the HTTP routes to the pipeline.
type Server struct {
	submitter QuerySubmitter
	store     saga.Store
	bus       bus.Bus
	answerer  *kb.Answerer
	logger    *slog.Logger
}

// NewServer creates the API server.
func NewServer(submitter QuerySubmitter, store saga.Store, b bus.Bus, answerer *kb.Answerer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		submitter: submitter,
		store:     store,
		bus:       b,
		answerer:  answerer,
		logger:    logger,
	}
}

// Router builds the gin engine with all API routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	v1.POST("/tenants/:tenant_id/queries", s.handleSubmitQuery)
	v1.GET("/queries/:saga_id", s.handleGetQuery)
	v1.POST("/tenants/:tenant_id/documents", s.handleUploadDocument)
	v1.DELETE("/tenants/:tenant_id/documents/:file_id", s.handleDeleteDocument)
	v1.POST("/tenants/:tenant_id/ask", s.handleAsk)

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	return router
}

type questionRequest struct {
	Question string `json:"question" binding:"required"`
}

// queryResult is the client-visible slice of a saga record. Scheduling
// internals (retry budget, deadline) stay server-side.
type queryResult struct {
	SagaID            string              `json:"saga_id"`
	TenantID          string              `json:"tenant_id"`
	Question          string              `json:"question"`
	Status            models.SagaStatus   `json:"status"`
	GeneratedSQL      string              `json:"generated_sql,omitempty"`
	RawResults        string              `json:"raw_results,omitempty"`
	FormattedResponse string              `json:"formatted_response,omitempty"`
	IsIrrelevant      bool                `json:"is_irrelevant"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	CallStack         []models.StepRecord `json:"call_stack"`
	TotalDurationMS   float64             `json:"total_duration_ms"`
	TotalTokens       int                 `json:"total_tokens"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

type queryStatusResponse struct {
	Status  models.SagaStatus `json:"status"`
	Message string            `json:"message,omitempty"`
	Result  queryResult       `json:"result"`
}

func statusResponse(record *models.SagaRecord) queryStatusResponse {
	return queryStatusResponse{
		Status:  record.Status,
		Message: record.ErrorMessage,
		Result: queryResult{
			SagaID:            record.SagaID,
			TenantID:          record.TenantID,
			Question:          record.Question,
			Status:            record.Status,
			GeneratedSQL:      record.GeneratedSQL,
			RawResults:        record.RawResults,
			FormattedResponse: record.FormattedResponse,
			IsIrrelevant:      record.IsIrrelevant,
			ErrorMessage:      record.ErrorMessage,
			CallStack:         record.CallStack,
			TotalDurationMS:   record.TotalDurationMS,
			TotalTokens:       record.TotalTokens,
			CreatedAt:         record.CreatedAt,
			UpdatedAt:         record.UpdatedAt,
		},
	}
}

func (s *Server) handleSubmitQuery(c *gin.Context) {
	var req questionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sagaID, err := s.submitter.SubmitQuery(c.Request.Context(), c.Param("tenant_id"), req.Question)
	if err != nil {
		s.logger.Error("Failed to submit query", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit query"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"saga_id": sagaID})
}

func (s *Server) handleGetQuery(c *gin.Context) {
	record, err := s.store.Get(c.Request.Context(), c.Param("saga_id"))
	if errors.Is(err, saga.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "query not found"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to load saga record", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load query"})
		return
	}
	c.JSON(http.StatusOK, statusResponse(record))
}

func (s *Server) handleUploadDocument(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "document too large"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
		return
	}
	if len(data) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "document too large"})
		return
	}

	fileID := uuid.NewString()
	err = s.bus.Publish(c.Request.Context(), models.SubjectKBIngest, &models.IngestEnvelope{
		Action:   models.IngestActionAdd,
		TenantID: c.Param("tenant_id"),
		FileID:   fileID,
		Filename: fileHeader.Filename,
		DocBytes: data,
	})
	if err != nil {
		s.logger.Error("Failed to enqueue document", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue document"})
		return
	}
	metrics.DocumentsIngested.WithLabelValues(models.IngestActionAdd).Inc()
	c.JSON(http.StatusAccepted, gin.H{"file_id": fileID, "filename": fileHeader.Filename})
}

func (s *Server) handleDeleteDocument(c *gin.Context) {
	err := s.bus.Publish(c.Request.Context(), models.SubjectKBIngest, &models.IngestEnvelope{
		Action:   models.IngestActionDelete,
		TenantID: c.Param("tenant_id"),
		FileID:   c.Param("file_id"),
	})
	if err != nil {
		s.logger.Error("Failed to enqueue document deletion", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue deletion"})
		return
	}
	metrics.DocumentsIngested.WithLabelValues(models.IngestActionDelete).Inc()
	c.JSON(http.StatusAccepted, gin.H{"file_id": c.Param("file_id")})
}

func (s *Server) handleAsk(c *gin.Context) {
	var req questionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	answer, contexts, err := s.answerer.Answer(c.Request.Context(), c.Param("tenant_id"), req.Question)
	if errors.Is(err, kb.ErrNoContextAvailable) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "no documents available for this tenant",
			"context": []string{},
		})
		return
	}
	if err != nil {
		s.logger.Error("Failed to answer question", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to answer question"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer, "context": contexts})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": version.Full()})
}
