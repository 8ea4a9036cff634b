package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/logging"
	"relay/internal/server/app"
	"relay/internal/server/ports"
)

const maxBodyBytes = 1 << 20

// apiResponse is the REST response envelope.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, err error) {
	c.JSON(status, apiResponse{Success: false, Error: err.Error()})
}

// APIHandler serves the producer and operations REST surface: session
// lifecycle, content publishing and task transitions. Everything it accepts
// flows into the hub as broadcast events.
type APIHandler struct {
	directory *app.SessionDirectory
	hub       *app.Hub
	buffer    *app.ReplayBuffer
	tracker   ports.TaskTracker
	startTime time.Time
	logger    logging.Logger
}

// NewAPIHandler creates the REST handler.
func NewAPIHandler(directory *app.SessionDirectory, hub *app.Hub, buffer *app.ReplayBuffer, tracker ports.TaskTracker) *APIHandler {
	return &APIHandler{
		directory: directory,
		hub:       hub,
		buffer:    buffer,
		tracker:   tracker,
		startTime: time.Now(),
		logger:    logging.NewComponentLogger("APIHandler"),
	}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// HandleHealth reports server liveness.
func (h *APIHandler) HandleHealth(c *gin.Context) {
	respondOK(c, healthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime).String(),
	})
}

// HandleStats reports hub delivery counters.
func (h *APIHandler) HandleStats(c *gin.Context) {
	respondOK(c, h.hub.Stats())
}

type createSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// HandleCreateSession registers a new active session.
func (h *APIHandler) HandleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, err)
			return
		}
	}

	record, err := h.directory.Create(c.Request.Context(), req.SessionID)
	if err != nil {
		respondError(c, http.StatusConflict, err)
		return
	}
	respondOK(c, record)
}

// HandleListSessions lists known sessions, newest first.
func (h *APIHandler) HandleListSessions(c *gin.Context) {
	respondOK(c, h.directory.List(c.Request.Context()))
}

type sessionDetail struct {
	*app.SessionRecord
	Subscribers int `json:"subscribers"`
	Buffered    int `json:"buffered_messages"`
}

// HandleGetSession returns one session with its live subscription stats.
func (h *APIHandler) HandleGetSession(c *gin.Context) {
	sessionID := c.Param("id")
	record, err := h.directory.Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}

	count, _ := h.buffer.Len(sessionID)
	respondOK(c, sessionDetail{
		SessionRecord: record,
		Subscribers:   h.hub.SubscriberCount(sessionID),
		Buffered:      count,
	})
}

// HandleCloseSession marks the session inactive. Subscribed connections keep
// their membership; no new broadcasts will occur once producers stop.
func (h *APIHandler) HandleCloseSession(c *gin.Context) {
	if err := h.directory.Close(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	respondOK(c, gin.H{"session_id": c.Param("id"), "active": false})
}

// HandleReopenSession marks a closed session active again.
func (h *APIHandler) HandleReopenSession(c *gin.Context) {
	if err := h.directory.Reopen(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	respondOK(c, gin.H{"session_id": c.Param("id"), "active": true})
}

type publishRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type publishResponse struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// HandlePublishContent is the agent-content producer entry point. Publishing
// to an inactive session is a policy rejection, not an error in the hub.
func (h *APIHandler) HandlePublishContent(c *gin.Context) {
	sessionID := c.Param("id")
	if !h.directory.IsActive(c.Request.Context(), sessionID) {
		respondError(c, http.StatusConflict, errSessionNotActive(sessionID))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if len(req.Payload) == 0 {
		respondError(c, http.StatusBadRequest, errEmptyPayload)
		return
	}

	msg, err := h.hub.Publish(sessionID, ports.EventContent, req.Payload)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	respondOK(c, publishResponse{
		SessionID: msg.SessionID,
		Seq:       msg.Seq,
		Timestamp: msg.Timestamp,
	})
}

// HandleSessionHistory returns the replay buffer snapshot for clients that
// prefer an explicit fetch over the subscribe-time flush.
func (h *APIHandler) HandleSessionHistory(c *gin.Context) {
	sessionID := c.Param("id")
	if err := app.ValidateSessionID(sessionID); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	snapshot := h.buffer.Snapshot(sessionID)
	if snapshot == nil {
		snapshot = []ports.BufferedMessage{}
	}
	respondOK(c, snapshot)
}

type startTaskRequest struct {
	TaskID     string `json:"task_id,omitempty"`
	Descriptor string `json:"descriptor"`
}

// HandleStartTask creates a task and broadcasts task-started.
func (h *APIHandler) HandleStartTask(c *gin.Context) {
	sessionID := c.Param("id")
	if !h.directory.IsActive(c.Request.Context(), sessionID) {
		respondError(c, http.StatusConflict, errSessionNotActive(sessionID))
		return
	}

	var req startTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	task, err := h.tracker.Start(c.Request.Context(), sessionID, req.TaskID, req.Descriptor)
	if err != nil {
		respondError(c, http.StatusConflict, err)
		return
	}
	respondOK(c, task)
}

// HandleListTasks lists a session's tracked tasks, newest first.
func (h *APIHandler) HandleListTasks(c *gin.Context) {
	tasks, err := h.tracker.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	respondOK(c, tasks)
}

// HandleGetTask returns one task while it remains tracked.
func (h *APIHandler) HandleGetTask(c *gin.Context) {
	task, err := h.tracker.Get(c.Request.Context(), c.Param("id"), c.Param("task"))
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	respondOK(c, task)
}

type taskProgressRequest struct {
	Progress json.RawMessage `json:"progress,omitempty"`
}

// HandleTaskProgress records progress and broadcasts task-progress. Progress
// for an unknown or terminal task is ignored by the tracker.
func (h *APIHandler) HandleTaskProgress(c *gin.Context) {
	var req taskProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	if err := h.tracker.Progress(c.Request.Context(), c.Param("id"), c.Param("task"), req.Progress); err != nil {
		respondError(c, http.StatusConflict, err)
		return
	}
	respondOK(c, gin.H{"task_id": c.Param("task")})
}

type taskCompleteRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// HandleTaskComplete transitions the task to completed.
func (h *APIHandler) HandleTaskComplete(c *gin.Context) {
	var req taskCompleteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, err)
			return
		}
	}

	if err := h.tracker.Complete(c.Request.Context(), c.Param("id"), c.Param("task"), req.Result); err != nil {
		respondError(c, http.StatusConflict, err)
		return
	}
	respondOK(c, gin.H{"task_id": c.Param("task"), "status": ports.TaskStatusCompleted})
}

type taskFailRequest struct {
	Error string `json:"error"`
}

// HandleTaskFail transitions the task to failed.
func (h *APIHandler) HandleTaskFail(c *gin.Context) {
	var req taskFailRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, err)
			return
		}
	}

	if err := h.tracker.Fail(c.Request.Context(), c.Param("id"), c.Param("task"), req.Error); err != nil {
		respondError(c, http.StatusConflict, err)
		return
	}
	respondOK(c, gin.H{"task_id": c.Param("task"), "status": ports.TaskStatusFailed})
}
