package handlers

import (
	"net/http"

	"example.com/tradeworks/services/billing/internal/models"
	"example.com/tradeworks/services/billing/internal/search"
	"example.com/tradeworks/services/billing/internal/services"
	"example.com/tradeworks/services/billing/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// DocumentsHandler handles quote and invoice HTTP requests
type DocumentsHandler struct {
	billing       *services.BillingService
	elasticClient *search.ElasticClient
	tracer        tracing.Tracer
}

// NewDocumentsHandler creates a new documents handler
func NewDocumentsHandler(billing *services.BillingService, elasticClient *search.ElasticClient, tracer tracing.Tracer) *DocumentsHandler {
	return &DocumentsHandler{
		billing:       billing,
		elasticClient: elasticClient,
		tracer:        tracer,
	}
}

// HandleSaveDocument assembles and persists a draft. A failure here means
// nothing was saved; rendering problems surface separately and never as an
// error response.
func (h *DocumentsHandler) HandleSaveDocument(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-save-document")
	defer h.tracer.EndTransaction(txn)

	var draft services.DraftDocument
	if err := c.ShouldBindJSON(&draft); err != nil {
		log.Error().Err(err).Msg("Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	if idParam := c.Param("id"); idParam != "" {
		id, err := uuid.Parse(idParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
			return
		}
		draft.ID = id
	}

	if draft.AccountID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}
	if draft.Kind == "" {
		draft.Kind = models.KindQuote
	}

	h.tracer.AddAttribute(txn, "account_id", draft.AccountID.String())
	h.tracer.AddAttribute(txn, "kind", string(draft.Kind))

	doc, err := h.billing.SaveDocument(c.Request.Context(), &draft)
	if err != nil {
		h.tracer.RecordError(txn, err)

		var validationErr *services.ValidationError
		switch {
		case errors.As(err, &validationErr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":          "validation failed, nothing was saved",
				"missing_fields": validationErr.Missing,
			})
		case errors.Is(err, services.ErrNumberConflictExhausted):
			c.JSON(http.StatusConflict, gin.H{
				"error": "could not allocate a unique document number, nothing was saved",
			})
		default:
			log.Error().Err(err).Msg("Failed to save document")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed, nothing was saved"})
		}
		return
	}

	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}
	c.JSON(status, doc)
}

// HandleGetDocument returns one document
func (h *DocumentsHandler) HandleGetDocument(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	doc, err := h.billing.GetDocument(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		log.Error().Err(err).Msg("Failed to get document")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, doc)
}

// HandleListDocuments lists an account's documents
func (h *DocumentsHandler) HandleListDocuments(c *gin.Context) {
	accountID, err := uuid.Parse(c.Query("account_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id query parameter is required"})
		return
	}

	docs, err := h.billing.ListDocuments(
		c.Request.Context(),
		accountID,
		models.DocumentKind(c.Query("kind")),
		models.DocumentStatus(c.Query("status")),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list documents")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
}

// HandleDeleteDocument soft-deletes a document
func (h *DocumentsHandler) HandleDeleteDocument(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	if err := h.billing.DeleteDocument(c.Request.Context(), id); err != nil {
		log.Error().Err(err).Msg("Failed to delete document")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

// TransitionRequest asks for a lifecycle status change
type TransitionRequest struct {
	Status models.DocumentStatus `json:"status" binding:"required"`
}

// HandleTransitionStatus moves a document through its lifecycle
func (h *DocumentsHandler) HandleTransitionStatus(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-transition-status")
	defer h.tracer.EndTransaction(txn)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	doc, err := h.billing.TransitionStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		h.tracer.RecordError(txn, err)
		var validationErr *services.ValidationError
		switch {
		case errors.As(err, &validationErr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":          "document is not ready to be finalized",
				"missing_fields": validationErr.Missing,
			})
		case errors.Is(err, services.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		default:
			log.Error().Err(err).Msg("Failed to transition document")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, doc)
}

// HandleAccountKPIs returns the recomputed dashboard snapshot
func (h *DocumentsHandler) HandleAccountKPIs(c *gin.Context) {
	accountID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}

	snapshot, err := h.billing.AccountKPIs(c.Request.Context(), accountID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to compute KPIs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// HandleGetClient returns one client
func (h *DocumentsHandler) HandleGetClient(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
		return
	}

	client, err := h.billing.GetClient(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		log.Error().Err(err).Msg("Failed to get client")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, client)
}

// HandleListClients lists an account's clients
func (h *DocumentsHandler) HandleListClients(c *gin.Context) {
	accountID, err := uuid.Parse(c.Query("account_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id query parameter is required"})
		return
	}

	clients, err := h.billing.ListClients(c.Request.Context(), accountID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list clients")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"clients": clients, "count": len(clients)})
}

// HandleSearchDocuments runs a free-text search over the account's documents
func (h *DocumentsHandler) HandleSearchDocuments(c *gin.Context) {
	if h.elasticClient == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search is not available"})
		return
	}

	accountID := c.Query("account_id")
	text := c.Query("q")
	if accountID == "" || text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id and q query parameters are required"})
		return
	}

	results, err := h.elasticClient.SearchDocuments(c.Request.Context(), accountID, text)
	if err != nil {
		log.Error().Err(err).Msg("Search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// RegisterRoutes registers the handler's routes
func (h *DocumentsHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/documents", h.HandleSaveDocument)
		v1.PUT("/documents/:id", h.HandleSaveDocument)
		v1.GET("/documents/:id", h.HandleGetDocument)
		v1.GET("/documents", h.HandleListDocuments)
		v1.DELETE("/documents/:id", h.HandleDeleteDocument)
		v1.POST("/documents/:id/status", h.HandleTransitionStatus)
		v1.GET("/clients/:id", h.HandleGetClient)
		v1.GET("/clients", h.HandleListClients)
		v1.GET("/search/documents", h.HandleSearchDocuments)
		v1.GET("/accounts/:id/kpi", h.HandleAccountKPIs)
	}
}
