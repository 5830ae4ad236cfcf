package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaji/internal/event"
	"github.com/ashita-ai/kaji/internal/gate"
	"github.com/ashita-ai/kaji/internal/model"
	"github.com/ashita-ai/kaji/internal/playbook"
	"github.com/ashita-ai/kaji/internal/registry"
	"github.com/ashita-ai/kaji/internal/router"
	"github.com/ashita-ai/kaji/internal/session"
	"github.com/ashita-ai/kaji/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db        *storage.DB
	router    *router.Router
	registry  *registry.Registry
	gate      *gate.Gate
	playbooks *playbook.Library
	sessions  session.Store
	status    StatusFunc
	logger    *slog.Logger
	startedAt time.Time
	version   string
	maxBody   int64
}

// StatusFunc resolves an instance's polling projection.
type StatusFunc func(r *http.Request, id uuid.UUID) (model.InstanceStatusView, error)

// HandlersDeps holds dependencies for constructing Handlers.
type HandlersDeps struct {
	DB        *storage.DB
	Router    *router.Router
	Registry  *registry.Registry
	Gate      *gate.Gate
	Playbooks *playbook.Library
	Sessions  session.Store
	Status    StatusFunc
	Logger    *slog.Logger
	Version   string
	MaxBody   int64
}

// NewHandlers creates Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:        d.DB,
		router:    d.Router,
		registry:  d.Registry,
		gate:      d.Gate,
		playbooks: d.Playbooks,
		sessions:  d.Sessions,
		status:    d.Status,
		logger:    d.Logger,
		startedAt: time.Now(),
		version:   d.Version,
		maxBody:   d.MaxBody,
	}
}

type messageRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
}

// HandleMessage handles POST /v1/conversations/{conversation_id}/messages.
func (h *Handlers) HandleMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation_id")
	if conversationID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "conversation_id is required")
		return
	}

	var req messageRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "message is required")
		return
	}

	reply, err := h.router.HandleMessage(r.Context(), conversationID, req.Message, req.UserID)
	if err != nil {
		h.logger.Error("handle message", "conversation_id", conversationID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "message routing failed")
		return
	}
	writeJSON(w, r, http.StatusOK, reply)
}

// HandleCancelSession handles DELETE /v1/conversations/{conversation_id}/session.
// It abandons any in-flight parameter collection; the next message starts fresh.
func (h *Handlers) HandleCancelSession(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation_id")
	if conversationID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "conversation_id is required")
		return
	}
	if err := h.sessions.Delete(r.Context(), conversationID); err != nil {
		h.logger.Error("cancel session", "conversation_id", conversationID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "session cancel failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetInstance handles GET /v1/instances/{instance_id}.
func (h *Handlers) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("instance_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid instance id")
		return
	}

	view, err := h.status(r, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "instance not found")
			return
		}
		h.logger.Error("get instance", "instance_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "instance lookup failed")
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleRegisterTemplate handles POST /v1/templates.
func (h *Handlers) HandleRegisterTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl model.DecisionTemplate
	if err := decodeJSON(w, r, &tmpl, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid template: "+err.Error())
		return
	}
	if tmpl.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	for _, task := range tmpl.AgenticTasks {
		if task.Output == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agentic tasks require an output name")
			return
		}
	}

	created, err := h.registry.Register(r.Context(), tmpl)
	if err != nil {
		h.logger.Error("register template", "name", tmpl.Name, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "template registration failed")
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListTemplates handles GET /v1/templates.
func (h *Handlers) HandleListTemplates(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50, 200)
	templates, err := h.registry.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list templates", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "template listing failed")
		return
	}
	if templates == nil {
		templates = []model.DecisionTemplate{}
	}
	writeJSON(w, r, http.StatusOK, templates)
}

// HandleGetTemplate handles GET /v1/templates/{template_id}.
func (h *Handlers) HandleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("template_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid template id")
		return
	}
	tmpl, err := h.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "template not found")
			return
		}
		h.logger.Error("get template", "template_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "template lookup failed")
		return
	}
	writeJSON(w, r, http.StatusOK, tmpl)
}

// HandleEvent handles POST /v1/events: validates the payload against its
// declared contract and dispatches it. RecommendedActions flow through the
// gate; ForecastDeltaDetected resolves the responsible playbook. Other
// known events are accepted for downstream consumers.
func (h *Handlers) HandleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unreadable body")
		return
	}

	if err := event.Validate(body); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeSchemaViolation, err.Error())
		return
	}

	var head event.Header
	_ = json.Unmarshal(body, &head)

	switch head.EventType {
	case event.TypeRecommendedActions:
		var rec event.RecommendedActions
		if err := json.Unmarshal(body, &rec); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed payload")
			return
		}
		outcome, err := h.gate.Process(r.Context(), rec)
		if err != nil {
			h.logger.Error("process recommended actions", "playbook", rec.Playbook, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "action processing failed")
			return
		}
		writeJSON(w, r, http.StatusOK, outcome)

	case event.TypeForecastDeltaDetected:
		var delta event.ForecastDeltaDetected
		if err := json.Unmarshal(body, &delta); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed payload")
			return
		}
		name := playbook.SelectForDelta(delta)
		writeJSON(w, r, http.StatusOK, map[string]any{
			"accepted": true,
			"playbook": name,
		})

	default:
		writeJSON(w, r, http.StatusAccepted, map[string]any{"accepted": true})
	}
}

// HandleListPlaybooks handles GET /v1/playbooks.
func (h *Handlers) HandleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	specs, err := h.playbooks.LoadAll()
	if err != nil {
		h.logger.Error("list playbooks", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "playbook listing failed")
		return
	}
	writeJSON(w, r, http.StatusOK, specs)
}

// HandleReloadPlaybooks handles POST /v1/playbooks/reload.
func (h *Handlers) HandleReloadPlaybooks(w http.ResponseWriter, r *http.Request) {
	h.playbooks.Clear()
	specs, err := h.playbooks.LoadAll()
	if err != nil {
		h.logger.Error("reload playbooks", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "playbook reload failed")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"reloaded": len(specs)})
}

type resolveRequest struct {
	By     string `json:"by"`
	Role   string `json:"role,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// HandleGrantApproval handles POST /v1/approvals/{request_id}/grant.
func (h *Handlers) HandleGrantApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("request_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request id")
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil || req.By == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "resolver identity (by) is required")
		return
	}

	resolved, err := h.gate.Grant(r.Context(), id, req.By, req.Role)
	if err != nil {
		h.writeResolveError(w, r, id, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resolved)
}

// HandleRejectApproval handles POST /v1/approvals/{request_id}/reject.
func (h *Handlers) HandleRejectApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("request_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request id")
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil || req.By == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "resolver identity (by) is required")
		return
	}

	resolved, err := h.gate.Reject(r.Context(), id, req.By, req.Reason)
	if err != nil {
		h.writeResolveError(w, r, id, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resolved)
}

func (h *Handlers) writeResolveError(w http.ResponseWriter, r *http.Request, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "approval request already resolved")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "approval request not found")
	default:
		h.logger.Error("resolve approval", "request_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "approval resolution failed")
	}
}

// HandleListApprovals handles GET /v1/approvals.
func (h *Handlers) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50, 200)
	var status *model.ApprovalStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := model.ApprovalStatus(s)
		switch st {
		case model.ApprovalPending, model.ApprovalGranted, model.ApprovalRejected:
			status = &st
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status filter")
			return
		}
	}

	approvals, err := h.gate.List(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("list approvals", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "approval listing failed")
		return
	}
	if approvals == nil {
		approvals = []model.ApprovalRequest{}
	}
	writeJSON(w, r, http.StatusOK, approvals)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := map[string]string{}

	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["postgres"] = err.Error()
		} else {
			checks["postgres"] = "ok"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]any{
		"status":  status,
		"version": h.version,
		"uptime":  time.Since(h.startedAt).String(),
		"checks":  checks,
	})
}

func pagination(r *http.Request, def, max int) (limit, offset int) {
	limit = def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
