package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/access"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/logging"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/webhooks"
)

// ParcoursService is the part of the parcours tracker the handlers use
type ParcoursService interface {
	Get(ctx context.Context, p models.Principal, id string) (*models.ParcoursView, error)
	AdvanceStage(ctx context.Context, p models.Principal, id string, target models.Stage) (*models.Parcours, error)
	SubmitStage(ctx context.Context, p models.Principal, id string, stage models.Stage) (*models.Parcours, error)
	EditSimulationData(ctx context.Context, p models.Principal, id string, data json.RawMessage) (*models.ParcoursView, error)
	SetArchived(ctx context.Context, p models.Principal, id, reason string) (*models.Parcours, error)
	Unarchive(ctx context.Context, p models.Principal, id string) (*models.Parcours, error)
	Authorize(ctx context.Context, p models.Principal, id string, action access.Action) error
}

// SponsorshipService issues and decides AMO sponsorship requests
type SponsorshipService interface {
	IssueToken(ctx context.Context, p models.Principal, parcoursID, organizationID string, entry models.EntryPoint) (*models.IssueSponsorshipResponse, error)
	ResolveFor(ctx context.Context, p models.Principal, token string) (*models.SponsorshipRequest, error)
	Decide(ctx context.Context, p models.Principal, token string, decision models.Decision, comment string) (*models.SponsorshipRequest, error)
	ListForOrganization(ctx context.Context, p models.Principal, organizationID string) ([]models.SponsorshipRequest, error)
}

// CaseFileService links and reconciles external case files
type CaseFileService interface {
	LinkCaseFile(ctx context.Context, parcoursID string, stage models.Stage, number string) (*models.ExternalCaseFile, error)
	SyncStage(ctx context.Context, parcoursID string, stage models.Stage) (models.SyncResult, error)
	SyncAll(ctx context.Context, parcoursID string) ([]models.SyncResult, error)
}

// WebhookIngester applies notification provider callbacks
type WebhookIngester interface {
	Ingest(ctx context.Context, credential string, body []byte) (models.WebhookAck, error)
}

// HealthChecker reports whether storage is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

const webhookBodyLimit = 1 << 20

// Handler holds the core components and handles HTTP requests
type Handler struct {
	DB           HealthChecker
	Parcours     ParcoursService
	Sponsorships SponsorshipService
	CaseFiles    CaseFileService
	Webhooks     WebhookIngester
}

// NewHandler creates a new handler instance. db may be nil while storage is starting.
func NewHandler(db HealthChecker, parcours ParcoursService, sponsorships SponsorshipService, caseFiles CaseFileService, webhooks WebhookIngester) *Handler {
	return &Handler{
		DB:           db,
		Parcours:     parcours,
		Sponsorships: sponsorships,
		CaseFiles:    caseFiles,
		Webhooks:     webhooks,
	}
}

// RegisterRoutes mounts every route on the router
func (h *Handler) RegisterRoutes(router *gin.Engine, jwtSecret string) {
	// /live returns 200 if the process is running (no DB checks)
	router.GET("/live", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/ready", h.Health)
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	// provider callbacks authenticate with the shared secret, not a JWT
	router.POST("/webhooks/notifications", h.NotificationWebhook)
	router.POST("/webhooks/notifications/:secret", h.NotificationWebhook)

	api := router.Group("/api")
	api.Use(JWTMiddleware(jwtSecret))
	{
		api.POST("/sponsorships", h.IssueSponsorship)
		api.GET("/sponsorships/resolve", h.ResolveSponsorship)
		api.POST("/sponsorships/decide", h.DecideSponsorship)
		api.GET("/amo/sponsorships", h.ListSponsorships)

		api.GET("/parcours/:id", h.GetParcours)
		api.POST("/parcours/:id/advance", h.AdvanceStage)
		api.POST("/parcours/:id/submit", h.SubmitStage)
		api.POST("/parcours/:id/simulation", h.EditSimulation)
		api.POST("/parcours/:id/archive", h.Archive)
		api.POST("/parcours/:id/unarchive", h.Unarchive)
		api.POST("/parcours/:id/case-files", h.LinkCaseFile)
		api.POST("/parcours/:id/sync", h.SyncAll)
		api.POST("/parcours/:id/sync/:stage", h.SyncStage)
	}
}

// Health endpoint for health checks (readiness)
func (h *Handler) Health(c *gin.Context) {
	if h.DB == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
			Error:   "Database not initialized",
			Message: "Service starting up; DB unavailable",
		})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := h.DB.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
			Error:   "Database connection failed",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "parcours-service",
		"timestamp": time.Now().UTC(),
	})
}

// IssueSponsorship asks an AMO organization to sponsor the caller's parcours
func (h *Handler) IssueSponsorship(c *gin.Context) {
	var req models.IssueSponsorshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	resp, err := h.Sponsorships.IssueToken(c.Request.Context(), principal(c), req.ParcoursID, req.OrganizationID, req.EntryPoint)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// ResolveSponsorship shows the request behind a decision link without consuming it
func (h *Handler) ResolveSponsorship(c *gin.Context) {
	r, err := h.Sponsorships.ResolveFor(c.Request.Context(), principal(c), c.Query("token"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// DecideSponsorship records an AMO decision
func (h *Handler) DecideSponsorship(c *gin.Context) {
	var req models.DecideSponsorshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	r, err := h.Sponsorships.Decide(c.Request.Context(), principal(c), req.Token, req.Decision, req.Comment)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ListSponsorships lists the requests addressed to the caller's organization
func (h *Handler) ListSponsorships(c *gin.Context) {
	items, err := h.Sponsorships.ListForOrganization(c.Request.Context(), principal(c), strings.TrimSpace(c.Query("organization_id")))
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []models.SponsorshipRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetParcours returns the parcours view
func (h *Handler) GetParcours(c *gin.Context) {
	v, err := h.Parcours.Get(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// AdvanceStage moves the parcours to the next stage
func (h *Handler) AdvanceStage(c *gin.Context) {
	var req models.AdvanceStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	p, err := h.Parcours.AdvanceStage(c.Request.Context(), principal(c), c.Param("id"), req.TargetStage)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// SubmitStage marks the current stage as submitted
func (h *Handler) SubmitStage(c *gin.Context) {
	var req models.SubmitStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	p, err := h.Parcours.SubmitStage(c.Request.Context(), principal(c), c.Param("id"), req.Stage)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// EditSimulation replaces the agent-edited simulation data
func (h *Handler) EditSimulation(c *gin.Context) {
	var req models.EditSimulationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	v, err := h.Parcours.EditSimulationData(c.Request.Context(), principal(c), c.Param("id"), req.Data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Archive puts the archive overlay on a parcours
func (h *Handler) Archive(c *gin.Context) {
	var req models.ArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	p, err := h.Parcours.SetArchived(c.Request.Context(), principal(c), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Unarchive restores an archived parcours
func (h *Handler) Unarchive(c *gin.Context) {
	p, err := h.Parcours.Unarchive(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// LinkCaseFile attaches an external case file to a stage of the parcours
func (h *Handler) LinkCaseFile(c *gin.Context) {
	var req models.LinkCaseFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	id := c.Param("id")
	if err := h.Parcours.Authorize(c.Request.Context(), principal(c), id, access.ActionSync); err != nil {
		respondError(c, err)
		return
	}
	cf, err := h.CaseFiles.LinkCaseFile(c.Request.Context(), id, req.Stage, req.ExternalNumber)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cf)
}

// SyncAll reconciles every linked case file of the parcours
func (h *Handler) SyncAll(c *gin.Context) {
	id := c.Param("id")
	if err := h.Parcours.Authorize(c.Request.Context(), principal(c), id, access.ActionSync); err != nil {
		respondError(c, err)
		return
	}
	results, err := h.CaseFiles.SyncAll(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if results == nil {
		results = []models.SyncResult{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// SyncStage reconciles one stage
func (h *Handler) SyncStage(c *gin.Context) {
	id := c.Param("id")
	stage := models.Stage(c.Param("stage"))
	if !stage.IsValid() {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Message: "unknown stage", Code: "validation_error"})
		return
	}
	if err := h.Parcours.Authorize(c.Request.Context(), principal(c), id, access.ActionSync); err != nil {
		respondError(c, err)
		return
	}
	res, err := h.CaseFiles.SyncStage(c.Request.Context(), id, stage)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// NotificationWebhook acknowledges every payload with 200, including one that
// could not be stored; internal failures are logged and never reach the provider.
func (h *Handler) NotificationWebhook(c *gin.Context) {
	credential := c.Param("secret")
	if credential == "" {
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			credential = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, webhookBodyLimit))
	if err != nil {
		logging.Warn("webhook body unreadable", map[string]interface{}{"error": err.Error()})
		body = nil
	}
	ack, err := h.Webhooks.Ingest(c.Request.Context(), credential, body)
	if err != nil {
		logging.Error("webhook storage failure", err, nil)
		c.JSON(http.StatusOK, models.WebhookAck{Reason: webhooks.ReasonStorageError})
		return
	}
	c.JSON(http.StatusOK, ack)
}
