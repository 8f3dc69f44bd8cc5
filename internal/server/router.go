package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dandytbermillo/annotation/internal/persistence"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const confirmDeleteHeader = "X-Confirm-Delete"

var errMissingPersistenceService = errors.New("persistence service dependency required")

// Dependencies wires the HTTP layer to the persistence Service, per §6.1.
type Dependencies struct {
	Service *persistence.Service
	Logger  *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the §6.1 endpoint surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Service == nil {
		return nil, errMissingPersistenceService
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", confirmDeleteHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{service: deps.Service, logger: logger}

	router.GET("/health", handler.handleHealth)

	router.POST("/persistence", handler.handlePersistenceAction)

	router.GET("/persistence/updates", handler.handleGetUpdates)
	router.POST("/persistence/updates", handler.handlePostUpdates)
	router.DELETE("/persistence/updates", handler.handleDeleteUpdates)

	router.GET("/persistence/snapshots", handler.handleGetSnapshot)
	router.POST("/persistence/snapshots", handler.handlePostSnapshot)

	router.GET("/persistence/compact", handler.handleGetCompactStatus)
	router.POST("/persistence/compact", handler.handlePostCompact)

	router.DELETE("/notes/:noteId", handler.handleDeleteNote)

	return router, nil
}

type httpHandler struct {
	service *persistence.Service
	logger  *zap.Logger
}

// --- /health ---

func (h *httpHandler) handleHealth(c *gin.Context) {
	status, err := h.service.HealthCheck(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"healthy": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"healthy": status.Healthy,
		"pool": gin.H{
			"total":   status.Pool.Total,
			"idle":    status.Pool.Idle,
			"waiting": status.Pool.Waiting,
		},
	})
}

// --- shared payload shapes ---

// updatePayload accepts either a base64 string or a legacy JSON array of
// byte values on ingest; every response always emits base64, per
// DESIGN.md's decision to keep the legacy encoding ingest-only.
type updatePayload struct {
	Base64 string `json:"payload"`
	Legacy []byte `json:"update,omitempty"`
}

func (p updatePayload) decode() ([]byte, error) {
	if len(p.Legacy) > 0 {
		return p.Legacy, nil
	}
	if p.Base64 == "" {
		return nil, errors.New("payload is required")
	}
	return base64.StdEncoding.DecodeString(p.Base64)
}

func encodePayload(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// --- unified POST /persistence action endpoint ---

type persistenceActionRequest struct {
	Action      string          `json:"action"`
	Doc         string          `json:"doc"`
	Payload     string          `json:"payload"`
	ProducerID  string          `json:"producer_id"`
	Force       bool            `json:"force"`
	State       string          `json:"state"`
	UpdateCount *int            `json:"update_count"`
	Panels      json.RawMessage `json:"panels"`
}

// handlePersistenceAction dispatches every action §6.1 assigns to the
// unified POST /persistence endpoint: persist, load, getAllUpdates,
// clearUpdates, saveSnapshot, loadSnapshot and compact. The per-resource
// routes below expose six of these Service calls individually; load is
// reachable only through this endpoint.
func (h *httpHandler) handlePersistenceAction(c *gin.Context) {
	var req persistenceActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	doc, err := persistence.NewDocName(req.Doc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_doc"})
		return
	}

	switch req.Action {
	case "persist":
		payload, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil || len(payload) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
			return
		}
		producer, _ := persistence.NewProducerID(req.ProducerID)
		if err := h.service.Persist(c.Request.Context(), doc, payload, producer); err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "enqueued"})
	case "load":
		state, err := h.service.Load(c.Request.Context(), doc)
		if err != nil {
			h.respondError(c, err)
			return
		}
		encoded, err := persistence.DefaultCodec{}.Encode(state)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": encodePayload(encoded)})
	case "getAllUpdates":
		records, err := h.service.ReadAll(c.Request.Context(), doc)
		if err != nil {
			h.respondError(c, err)
			return
		}
		out := make([]gin.H, 0, len(records))
		for _, r := range records {
			out = append(out, gin.H{
				"id":          r.ID,
				"payload":     encodePayload(r.Payload),
				"timestamp":   r.Timestamp,
				"producer_id": r.ProducerID,
			})
		}
		c.JSON(http.StatusOK, gin.H{"updates": out})
	case "clearUpdates":
		count, err := h.service.ClearUpdates(c.Request.Context(), doc)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": count})
	case "saveSnapshot":
		state, err := base64.StdEncoding.DecodeString(req.State)
		if err != nil || len(state) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
			return
		}
		params := persistence.SaveParams{Doc: doc, State: state, UpdateCount: req.UpdateCount}
		if len(req.Panels) > 0 {
			s := string(req.Panels)
			params.PanelsJSON = &s
		}
		snapshot, err := h.service.SaveSnapshot(c.Request.Context(), params)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, snapshotPayload(snapshot))
	case "loadSnapshot":
		snapshot, found, err := h.service.LoadSnapshot(c.Request.Context(), doc)
		if err != nil {
			h.respondError(c, err)
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusOK, snapshotPayload(snapshot))
	case "compact":
		result, err := h.service.Compact(c.Request.Context(), doc, req.Force)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, compactResultPayload(result))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_action"})
	}
}

// --- /persistence/updates ---

func (h *httpHandler) handleGetUpdates(c *gin.Context) {
	doc, err := persistence.NewDocName(c.Query("doc"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_doc"})
		return
	}
	records, err := h.service.ReadAll(c.Request.Context(), doc)
	if err != nil {
		h.respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(records))
	for _, r := range records {
		out = append(out, gin.H{
			"id":         r.ID,
			"payload":    encodePayload(r.Payload),
			"timestamp":  r.Timestamp,
			"producer_id": r.ProducerID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"updates": out})
}

func (h *httpHandler) handlePostUpdates(c *gin.Context) {
	docName := c.Query("doc")
	var body struct {
		Doc        string `json:"doc"`
		updatePayload
		ProducerID string `json:"producer_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if docName == "" {
		docName = body.Doc
	}
	doc, err := persistence.NewDocName(docName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_doc"})
		return
	}
	payload, err := body.decode()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	producer, _ := persistence.NewProducerID(body.ProducerID)
	if err := h.service.Persist(c.Request.Context(), doc, payload, producer); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "enqueued"})
}

func (h *httpHandler) handleDeleteUpdates(c *gin.Context) {
	doc, err := persistence.NewDocName(c.Query("doc"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_doc"})
		return
	}
	count, err := h.service.ClearUpdates(c.Request.Context(), doc)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": count})
}

// --- /persistence/snapshots ---

func (h *httpHandler) handleGetSnapshot(c *gin.Context) {
	doc, err := persistence.NewDocName(c.Query("doc"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_doc"})
		return
	}
	snapshot, found, err := h.service.LoadSnapshot(c.Request.Context(), doc)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, snapshotPayload(snapshot))
}

func (h *httpHandler) handlePostSnapshot(c *gin.Context) {
	var body struct {
		Doc        string          `json:"doc"`
		State      string          `json:"state"`
		UpdateCount *int           `json:"update_count"`
		Panels      json.RawMessage `json:"panels"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	doc, err := persistence.NewDocName(body.Doc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_doc"})
		return
	}
	state, err := base64.StdEncoding.DecodeString(body.State)
	if err != nil || len(state) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
		return
	}
	params := persistence.SaveParams{Doc: doc, State: state, UpdateCount: body.UpdateCount}
	if len(body.Panels) > 0 {
		s := string(body.Panels)
		params.PanelsJSON = &s
	}
	snapshot, err := h.service.SaveSnapshot(c.Request.Context(), params)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snapshotPayload(snapshot))
}

func snapshotPayload(s persistence.Snapshot) gin.H {
	return gin.H{
		"id":           s.ID,
		"doc":          s.DocName,
		"state":        encodePayload(s.State),
		"checksum":     s.Checksum,
		"update_count": s.UpdateCount,
		"size_bytes":   s.SizeBytes,
		"created_at":   s.CreatedAt,
		"duplicate":    s.Duplicate,
	}
}

// --- /persistence/compact ---

func (h *httpHandler) handleGetCompactStatus(c *gin.Context) {
	doc, err := persistence.NewDocName(c.Query("doc"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_doc"})
		return
	}
	status, err := h.service.CompactStatus(c.Request.Context(), doc)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"should_compact": status.ShouldCompact,
		"update_count":   status.Stats.Count,
		"total_size":     status.Stats.TotalSizeBytes,
		"oldest":         status.Stats.OldestTimestamp,
		"newest":         status.Stats.NewestTimestamp,
	})
}

func (h *httpHandler) handlePostCompact(c *gin.Context) {
	var body struct {
		Doc   string `json:"doc"`
		Force bool   `json:"force"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	doc, err := persistence.NewDocName(body.Doc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_doc"})
		return
	}
	result, err := h.service.Compact(c.Request.Context(), doc, body.Force)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, compactResultPayload(result))
}

func compactResultPayload(r persistence.CompactResult) gin.H {
	return gin.H{
		"skipped":       r.Skipped,
		"update_count":  r.UpdateCount,
		"checksum":      r.Checksum.String(),
		"snapshot_size": r.SnapshotSize,
		"duration_ms":   r.DurationMs,
	}
}

// --- DELETE /notes/:noteId ---

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	noteID := c.Param("noteId")
	hard := c.Query("hard") == "true"
	confirmation := c.GetHeader(confirmDeleteHeader)
	if err := h.service.DeleteDoc(c.Request.Context(), noteID, hard, confirmation); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- error mapping ---

func (h *httpHandler) respondError(c *gin.Context, err error) {
	kind := persistence.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("persistence request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(kind)})
}

func statusForKind(kind persistence.Kind) int {
	switch kind {
	case persistence.KindValidation, persistence.KindConfig:
		return http.StatusBadRequest
	case persistence.KindAuthorization:
		return http.StatusForbidden
	case persistence.KindNotFound:
		return http.StatusNotFound
	case persistence.KindOverloaded:
		return http.StatusTooManyRequests
	case persistence.KindShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
