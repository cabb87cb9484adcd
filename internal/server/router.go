package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/TimotheeJamin/flaggedrevs/internal/config"
	"github.com/TimotheeJamin/flaggedrevs/internal/flagging"
	"github.com/TimotheeJamin/flaggedrevs/internal/wiki"
)

const actorContextKey = "flaggedrevs_actor_id"

var (
	errMissingStore      = errors.New("wiki store dependency required")
	errMissingReviews    = errors.New("review service dependency required")
	errMissingSelector   = errors.New("stable selector dependency required")
	errMissingAutoReview = errors.New("auto reviewer dependency required")
	errMissingSessions   = errors.New("session issuer dependency required")
)

// SessionOpener issues review-session fingerprints.
type SessionOpener interface {
	Issue(actorID string, pageID, revisionID int64) (string, error)
}

// Dependencies wires the HTTP surface to the core services.
type Dependencies struct {
	Store        *wiki.Store
	Reviews      *flagging.ReviewService
	Selector     *flagging.StableVersionSelector
	AutoReviewer *flagging.AutoReviewer
	Sessions     SessionOpener
	Dispatcher   flagging.Dispatcher
	Site         config.SiteConfig
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the review API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Reviews == nil {
		return nil, errMissingReviews
	}
	if deps.Selector == nil {
		return nil, errMissingSelector
	}
	if deps.AutoReviewer == nil {
		return nil, errMissingAutoReview
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = flagging.NewLogDispatcher(logger)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Actor"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:        deps.Store,
		reviews:      deps.Reviews,
		selector:     deps.Selector,
		autoReviewer: deps.AutoReviewer,
		sessions:     deps.Sessions,
		dispatcher:   dispatcher,
		site:         deps.Site,
		logger:       logger,
	}

	router.GET("/site/flags", handler.handleSiteFlags)
	router.GET("/pages/:page/stable", handler.handleGetStable)
	router.GET("/pages/:page/stable/children/:ns/:title", handler.handleResolveChild)

	writes := router.Group("/")
	writes.Use(handler.requireActor)
	writes.POST("/pages", handler.handleCreatePage)
	writes.POST("/pages/:page/edits", handler.handleEdit)
	writes.POST("/pages/:page/review-session", handler.handleOpenReviewSession)
	writes.POST("/pages/:page/reviews", handler.handleSubmitReview)

	return router, nil
}

type httpHandler struct {
	store        *wiki.Store
	reviews      *flagging.ReviewService
	selector     *flagging.StableVersionSelector
	autoReviewer *flagging.AutoReviewer
	sessions     SessionOpener
	dispatcher   flagging.Dispatcher
	site         config.SiteConfig
	logger       *zap.Logger
}

// requireActor resolves the acting user from the X-Actor header. Who
// the actor is and what they may do is the permission system's
// business; the API only refuses anonymous writes.
func (h *httpHandler) requireActor(c *gin.Context) {
	actorID := strings.TrimSpace(c.GetHeader("X-Actor"))
	if actorID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_actor"})
		return
	}
	c.Set(actorContextKey, actorID)
	c.Next()
}

func (h *httpHandler) actorID(c *gin.Context) string {
	value, _ := c.Get(actorContextKey)
	actorID, _ := value.(string)
	return actorID
}

func pageIDParam(c *gin.Context) (int64, bool) {
	pageID, err := strconv.ParseInt(c.Param("page"), 10, 64)
	if err != nil || pageID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page_id"})
		return 0, false
	}
	return pageID, true
}

func (h *httpHandler) handleSiteFlags(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stable_shown_by_default": h.site.IsStableShownByDefault(),
		"protection_only":         h.site.ProtectionOnly,
		"tag_name":                h.site.TagName,
		"tag_levels":              h.site.TagLevels,
		"inclusion_policy":        string(h.site.Inclusion),
	})
}

type createPagePayload struct {
	Namespace int    `json:"namespace"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Comment   string `json:"comment"`
}

func (h *httpHandler) handleCreatePage(c *gin.Context) {
	var payload createPagePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ref, err := wiki.NewPageRef(payload.Namespace, payload.Title)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
		return
	}
	actorID := h.actorID(c)
	page, revision, err := h.store.CreatePage(c.Request.Context(), ref, payload.Content, actorID, payload.Comment)
	if err != nil {
		h.logger.Error("page creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	h.runAutoReview(c, page, revision, actorID, true, nil)
	c.JSON(http.StatusCreated, gin.H{
		"page_id":     page.PageID,
		"revision_id": revision.RevID,
	})
}

type editPayload struct {
	Content          string           `json:"content"`
	Comment          string           `json:"comment"`
	RenderedChildren map[string]int64 `json:"rendered_children"`
}

func (h *httpHandler) handleEdit(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	var payload editPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actorID := h.actorID(c)
	revision, err := h.store.AddRevision(c.Request.Context(), pageID, payload.Content, actorID, payload.Comment)
	if errors.Is(err, wiki.ErrPageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "page_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("edit failed", zap.Int64("page_id", pageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "edit_failed"})
		return
	}
	page, err := h.store.GetPage(c.Request.Context(), pageID)
	if err != nil {
		h.logger.Error("page reload failed", zap.Int64("page_id", pageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "edit_failed"})
		return
	}
	h.runAutoReview(c, page, revision, actorID, false, flagging.ChildVersions(payload.RenderedChildren))
	c.JSON(http.StatusCreated, gin.H{
		"page_id":     page.PageID,
		"revision_id": revision.RevID,
	})
}

// runAutoReview triggers the inline auto-review decision after an edit
// is persisted. Auto-review declining or failing never fails the edit.
func (h *httpHandler) runAutoReview(c *gin.Context, page *wiki.Page, revision *wiki.Revision, actorID string, isNewPage bool, rendered flagging.ChildVersions) {
	outcome, err := h.autoReviewer.ProcessEdit(c.Request.Context(), flagging.EditEvent{
		Page:             page,
		Revision:         revision,
		ActorID:          actorID,
		IsNewPage:        isNewPage,
		RenderedChildren: rendered,
	})
	if err != nil {
		h.logger.Error("auto-review failed",
			zap.Int64("page_id", page.PageID),
			zap.Int64("rev_id", revision.RevID),
			zap.Error(err))
		return
	}
	if outcome != nil {
		h.dispatcher.Dispatch(c.Request.Context(), outcome.Events)
	}
}

type openSessionPayload struct {
	RevisionID int64 `json:"revision_id"`
}

func (h *httpHandler) handleOpenReviewSession(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	var payload openSessionPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.RevisionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	page, err := h.store.GetPage(c.Request.Context(), pageID)
	if errors.Is(err, wiki.ErrPageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "page_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("page lookup failed", zap.Int64("page_id", pageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_open_failed"})
		return
	}
	key, err := h.sessions.Issue(h.actorID(c), pageID, payload.RevisionID)
	if err != nil {
		h.logger.Error("session key issue failed", zap.Int64("page_id", pageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_open_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_key":  key,
		"change_token": page.TouchedAtSeconds,
	})
}

type submitReviewPayload struct {
	RevisionID       int64            `json:"revision_id"`
	Action           string           `json:"action"`
	Tags             map[string]int   `json:"tags"`
	ChangeToken      int64            `json:"change_token"`
	SessionKey       string           `json:"session_key"`
	Comment          string           `json:"comment"`
	RenderedChildren map[string]int64 `json:"rendered_children"`
}

func (h *httpHandler) handleSubmitReview(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	var payload submitReviewPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.RevisionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	action, err := flagging.ParseAction(payload.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action"})
		return
	}
	var tags flagging.TagSet
	if payload.Tags != nil {
		tags = flagging.TagSet(payload.Tags)
	}

	outcome, err := h.reviews.Submit(c.Request.Context(), flagging.SubmitRequest{
		ActorID:          h.actorID(c),
		PageID:           pageID,
		RevisionID:       payload.RevisionID,
		Action:           action,
		Tags:             tags,
		ChangeToken:      payload.ChangeToken,
		SessionKey:       payload.SessionKey,
		Comment:          payload.Comment,
		RenderedChildren: flagging.ChildVersions(payload.RenderedChildren),
	})
	if err != nil {
		h.writeReviewFailure(c, pageID, err)
		return
	}

	h.dispatcher.Dispatch(c.Request.Context(), outcome.Events)

	response := gin.H{
		"status":       "ok",
		"change_token": outcome.NewChangeToken,
	}
	if outcome.Stable != nil {
		response["stable_revision_id"] = outcome.Stable.RevID
	}
	c.JSON(http.StatusOK, response)
}

// writeReviewFailure maps business failure kinds onto HTTP statuses.
// Already-in-desired-state is benign and reported as success with a
// distinguishing code.
func (h *httpHandler) writeReviewFailure(c *gin.Context, pageID int64, err error) {
	kind, isBusiness := flagging.FailureKindOf(err)
	if !isBusiness {
		h.logger.Error("review submission error", zap.Int64("page_id", pageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	switch kind {
	case flagging.FailureReadOnly:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": string(kind)})
	case flagging.FailurePageNotFound, flagging.FailureRevisionNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": string(kind)})
	case flagging.FailurePageNotReviewable:
		c.JSON(http.StatusBadRequest, gin.H{"error": string(kind)})
	case flagging.FailureBadSessionKey, flagging.FailurePermissionDenied, flagging.FailureTagLevelTooLow:
		c.JSON(http.StatusForbidden, gin.H{"error": string(kind)})
	case flagging.FailureConflict:
		c.JSON(http.StatusConflict, gin.H{"error": string(kind)})
	case flagging.FailureAlreadyInDesiredState:
		c.JSON(http.StatusOK, gin.H{"status": string(kind)})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) handleGetStable(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	record, err := h.selector.DetermineStable(c.Request.Context(), pageID)
	if err != nil {
		h.logger.Error("stable lookup failed", zap.Int64("page_id", pageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_stable_version"})
		return
	}
	tags, err := record.Tags()
	if err != nil {
		h.logger.Error("stable tags corrupt", zap.Int64("page_id", pageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"page_id":     record.PageID,
		"revision_id": record.RevID,
		"tags":        map[string]int(tags),
		"tier":        record.Tier(h.site).String(),
		"flags":       string(record.Flags),
		"reviewer_id": record.ReviewerID,
		"reviewed_at": record.ReviewedAtSeconds,
	})
}

func (h *httpHandler) handleResolveChild(c *gin.Context) {
	pageID, ok := pageIDParam(c)
	if !ok {
		return
	}
	namespace, err := strconv.Atoi(c.Param("ns"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_namespace"})
		return
	}
	ref, err := wiki.NewPageRef(namespace, c.Param("title"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
		return
	}

	record, err := h.selector.DetermineStable(c.Request.Context(), pageID)
	if err != nil {
		h.logger.Error("stable lookup failed", zap.Int64("page_id", pageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	resolver := flagging.NewInclusionResolver(h.site.Inclusion, h.selector)
	if record != nil {
		if err := resolver.StabilizeFor(record); err != nil {
			h.logger.Error("resolver stabilize failed", zap.Int64("page_id", pageID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		defer resolver.Clear()
	}

	resolution, err := resolver.ResolveChildVersion(c.Request.Context(), ref)
	if err != nil {
		h.logger.Error("child resolution failed", zap.Int64("page_id", pageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	switch {
	case resolution.UseCurrent:
		c.JSON(http.StatusOK, gin.H{"use_current": true})
	case resolution.RevisionID == 0:
		c.JSON(http.StatusOK, gin.H{"absent": true})
	default:
		c.JSON(http.StatusOK, gin.H{"revision_id": resolution.RevisionID})
	}
}
