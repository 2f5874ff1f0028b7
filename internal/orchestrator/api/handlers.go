// Package api exposes the orchestrator over HTTP: mission submission and
// lifecycle, agent pool management, workload status, and the observer
// WebSocket endpoint.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/agent"
	"github.com/overseer/overseer/internal/agent/registry"
	"github.com/overseer/overseer/internal/common/logger"
	"github.com/overseer/overseer/internal/dispatch"
	"github.com/overseer/overseer/internal/gateway/websocket"
	"github.com/overseer/overseer/internal/mission/models"
	"github.com/overseer/overseer/internal/mission/queue"
	"github.com/overseer/overseer/internal/oracle"
	"github.com/overseer/overseer/internal/router"
)

// Deps are the components the handlers drive.
type Deps struct {
	Queue      *queue.Queue
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Oracle     *oracle.Controller
	Decomposer *router.Decomposer
	Hub        *websocket.Hub
}

// Handlers binds the HTTP surface to the orchestrator components.
type Handlers struct {
	deps Deps
	log  *logger.Logger

	upgrader gws.Upgrader
}

// Register mounts all routes under /api/v1.
func Register(engine *gin.Engine, deps Deps, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.Default()
	}
	h := &Handlers{
		deps: deps,
		log:  log.Component("api"),
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	api := engine.Group("/api/v1")

	api.POST("/missions", h.distributeMission)
	api.GET("/missions/:id", h.missionStatus)
	api.POST("/missions/:id/complete", h.completeMission)
	api.POST("/missions/:id/fail", h.failMission)
	api.POST("/missions/:id/cancel", h.cancelMission)

	api.POST("/agents", h.spawnAgent)
	api.POST("/agent-pools", h.spawnPool)
	api.GET("/agents", h.listAgents)
	api.GET("/agents/:id", h.getAgent)
	api.GET("/agents/:id/health", h.agentHealth)
	api.POST("/agents/:id/restart", h.restartAgent)
	api.DELETE("/agents/:id", h.killAgent)
	api.GET("/health/agents", h.healthAll)

	api.GET("/status", h.status)
	api.GET("/ws", h.observe)

	return h
}

// respondError writes the structured error payload.
func respondError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, gin.H{"error": gin.H{"kind": kind, "message": message}})
}

// respondMappedError translates component sentinels to HTTP errors.
func (h *Handlers) respondMappedError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrMissionNotFound), errors.Is(err, registry.ErrAgentNotFound):
		respondError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		respondError(c, http.StatusTooManyRequests, "queue_full", err.Error())
	case errors.Is(err, queue.ErrInvalidMission), errors.Is(err, queue.ErrDependencyCycle):
		respondError(c, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, registry.ErrNoAvailableAgent):
		respondError(c, http.StatusConflict, "no_available_agent", err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "internal", err.Error())
	}
}

// --- missions ---

type distributeRequest struct {
	Prompt     string   `json:"prompt"`
	Context    string   `json:"context"`
	Priority   string   `json:"priority"`
	Type       string   `json:"type"`
	DependsOn  []string `json:"depends_on"`
	TimeoutMs  int64    `json:"timeout_ms"`
	MaxRetries int      `json:"max_retries"`

	// Decompose splits the prompt into a subtask DAG and enqueues every
	// subtask as its own mission with dependencies preserved.
	Decompose bool `json:"decompose"`
}

func (h *Handlers) distributeMission(c *gin.Context) {
	var req distributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if req.Prompt == "" {
		respondError(c, http.StatusBadRequest, "validation", "prompt is required")
		return
	}

	if req.Decompose {
		h.distributeDecomposed(c, req)
		return
	}

	m := &models.Mission{
		Prompt:     req.Prompt,
		Context:    req.Context,
		Priority:   models.Priority(req.Priority),
		Type:       models.MissionType(req.Type),
		DependsOn:  req.DependsOn,
		TimeoutMs:  req.TimeoutMs,
		MaxRetries: req.MaxRetries,
	}
	id, err := h.deps.Queue.Enqueue(c.Request.Context(), m)
	if err != nil {
		h.respondMappedError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"mission_id": id, "status": m.Status})
}

// distributeDecomposed enqueues a decomposition plan as linked missions.
func (h *Handlers) distributeDecomposed(c *gin.Context, req distributeRequest) {
	ctx := c.Request.Context()
	plan := h.deps.Decomposer.Decompose(ctx, req.Prompt, req.Context)

	parentID := uuid.New().String()
	missionIDs := make(map[string]string, len(plan.Subtasks))
	for _, st := range plan.Subtasks {
		missionIDs[st.ID] = uuid.New().String()
	}

	created := make([]gin.H, 0, len(plan.Subtasks))
	for _, st := range plan.Subtasks {
		deps := append([]string(nil), req.DependsOn...)
		for _, dep := range st.DependsOn {
			if mapped, ok := missionIDs[dep]; ok {
				deps = append(deps, mapped)
			}
		}
		m := &models.Mission{
			ID:               missionIDs[st.ID],
			Prompt:           st.Prompt,
			Context:          req.Context,
			Priority:         models.Priority(req.Priority),
			Type:             models.MissionType(req.Type),
			DependsOn:        deps,
			TimeoutMs:        req.TimeoutMs,
			MaxRetries:       req.MaxRetries,
			ParentMissionID:  parentID,
			RecommendedRole:  string(st.RecommendedRole),
			RecommendedModel: string(st.RecommendedModel),
		}
		id, err := h.deps.Queue.Enqueue(ctx, m)
		if err != nil {
			h.respondMappedError(c, err)
			return
		}
		created = append(created, gin.H{"mission_id": id, "subtask_id": st.ID, "status": m.Status})
	}

	c.JSON(http.StatusCreated, gin.H{
		"parent_mission_id": parentID,
		"execution_order":   plan.ExecutionOrder,
		"missions":          created,
	})
}

func (h *Handlers) missionStatus(c *gin.Context) {
	m := h.deps.Queue.GetMission(c.Param("id"))
	if m == nil {
		respondError(c, http.StatusNotFound, "not_found", "mission not found")
		return
	}
	c.JSON(http.StatusOK, m)
}

type completeRequest struct {
	Output       string `json:"output"`
	DurationMs   int64  `json:"duration_ms"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func (h *Handlers) completeMission(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	result := &models.MissionResult{
		Output:     req.Output,
		DurationMs: req.DurationMs,
		Tokens: models.TokenUsage{
			InputTokens:  req.InputTokens,
			OutputTokens: req.OutputTokens,
		},
	}
	if err := h.deps.Dispatcher.Complete(c.Request.Context(), c.Param("id"), result); err != nil {
		h.respondMappedError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mission_id": c.Param("id"), "status": models.StatusCompleted})
}

type failRequest struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (h *Handlers) failMission(c *gin.Context) {
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	kind := models.ParseFailureKind(req.Kind)
	if err := h.deps.Dispatcher.Fail(c.Request.Context(), c.Param("id"), kind, req.Message); err != nil {
		h.respondMappedError(c, err)
		return
	}
	m := h.deps.Queue.GetMission(c.Param("id"))
	status := models.StatusFailed
	if m != nil {
		status = m.Status
	}
	c.JSON(http.StatusOK, gin.H{"mission_id": c.Param("id"), "status": status})
}

func (h *Handlers) cancelMission(c *gin.Context) {
	if err := h.deps.Dispatcher.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.respondMappedError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mission_id": c.Param("id"), "status": models.StatusCancelled})
}

// --- agents ---

type spawnRequest struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Model       string `json:"model"`
	Worktree    bool   `json:"worktree"`
	AutoRestart bool   `json:"auto_restart"`
}

func (h *Handlers) spawnAgent(c *gin.Context) {
	var req spawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if req.Role != "" {
		if _, err := agent.ParseRole(req.Role); err != nil {
			respondError(c, http.StatusBadRequest, "validation", err.Error())
			return
		}
	}
	if req.Model != "" {
		if _, err := agent.ParseModelTier(req.Model); err != nil {
			respondError(c, http.StatusBadRequest, "validation", err.Error())
			return
		}
	}

	spawned, err := h.deps.Registry.SpawnAgent(c.Request.Context(), agent.SpawnConfig{
		Name:        req.Name,
		Role:        agent.Role(req.Role),
		Model:       agent.ModelTier(req.Model),
		Worktree:    req.Worktree,
		AutoRestart: req.AutoRestart,
	})
	if err != nil {
		h.respondMappedError(c, err)
		return
	}
	c.JSON(http.StatusCreated, spawned)
}

type spawnPoolRequest struct {
	Count int    `json:"count"`
	Role  string `json:"role"`
	Model string `json:"model"`
}

func (h *Handlers) spawnPool(c *gin.Context) {
	var req spawnPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if req.Count <= 0 {
		respondError(c, http.StatusBadRequest, "validation", "count must be positive")
		return
	}
	agents, err := h.deps.Registry.SpawnPool(c.Request.Context(), req.Count, agent.SpawnConfig{
		Role:  agent.Role(req.Role),
		Model: agent.ModelTier(req.Model),
	})
	if err != nil {
		h.respondMappedError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agents": agents})
}

func (h *Handlers) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.deps.Registry.ListAgents()})
}

func (h *Handlers) getAgent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation", "agent id must be numeric")
		return
	}
	a, err := h.deps.Registry.GetAgent(id)
	if err != nil {
		h.respondMappedError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handlers) agentHealth(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation", "agent id must be numeric")
		return
	}
	report, err := h.deps.Registry.HealthCheck(id)
	if err != nil {
		h.respondMappedError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handlers) healthAll(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reports": h.deps.Registry.HealthCheckAll()})
}

func (h *Handlers) restartAgent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation", "agent id must be numeric")
		return
	}
	if err := h.deps.Registry.Restart(c.Request.Context(), id); err != nil {
		h.respondMappedError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "status": "restarted"})
}

func (h *Handlers) killAgent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation", "agent id must be numeric")
		return
	}
	if err := h.deps.Registry.Kill(c.Request.Context(), id); err != nil {
		h.respondMappedError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "status": "stopped"})
}

// --- status & observers ---

func (h *Handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"workload":   h.deps.Oracle.AnalyzeWorkload(),
		"queue_size": h.deps.Queue.Size(),
		"queued":     h.deps.Queue.QueuedCount(),
		"observers":  h.deps.Hub.ClientCount(),
	})
}

// observe upgrades the connection and attaches it to the broadcast hub.
func (h *Handlers) observe(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := websocket.NewClient(uuid.New().String(), conn, h.deps.Hub, h.log)
	h.deps.Hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}
