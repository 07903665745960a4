package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jsdbg/jsdbg/internal/buffer"
	"github.com/jsdbg/jsdbg/internal/cdp"
	"github.com/jsdbg/jsdbg/internal/config"
	"github.com/jsdbg/jsdbg/internal/executor"
	"github.com/jsdbg/jsdbg/internal/link"
	"github.com/jsdbg/jsdbg/internal/logging"
	"github.com/jsdbg/jsdbg/internal/monitoring"
	"github.com/jsdbg/jsdbg/internal/sandbox"
	"github.com/jsdbg/jsdbg/internal/session"
	"github.com/jsdbg/jsdbg/internal/shared/id"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	reg     *session.Registry
	cfg     *config.Config
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewHandlers creates the handler set.
func NewHandlers(reg *session.Registry, cfg *config.Config, log *logging.Logger, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{reg: reg, cfg: cfg, log: log, metrics: metrics}
}

type createSessionRequest struct {
	Code        string         `json:"code" binding:"required"`
	ProjectDir  string         `json:"project_dir"`
	PackageJSON map[string]any `json:"package_json"`
	TSConfig    map[string]any `json:"tsconfig"`
	Commands    []cdp.Command  `json:"commands"`
	TimeoutMS   int            `json:"timeout_ms"`
}

type executeRequest struct {
	Commands  []cdp.Command `json:"commands"`
	TimeoutMS int           `json:"timeout_ms"`
}

type batchResponse struct {
	SessionID string        `json:"session_id"`
	Status    string        `json:"status"`
	Outcome   string        `json:"outcome"`
	Items     []buffer.Item `json:"items"`
}

type sessionInfo struct {
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ContainerID string    `json:"container_id"`
}

// Root returns service identification.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "jsdbg",
		"status":  "running",
	})
}

// Health returns service health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": h.reg.Len(),
	})
}

// CreateSession provisions a sandbox for the submitted code, arms the
// inspector, and runs the caller's initial commands as the first batch.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if err := h.validateCommands(req.Commands); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	spec := sandbox.Spec{
		Code:        req.Code,
		ProjectDir:  req.ProjectDir,
		PackageJSON: req.PackageJSON,
		TSConfig:    req.TSConfig,
	}

	start := time.Now()
	s, res, err := h.reg.Create(c.Request.Context(), spec, req.Commands, batchTimeout(req.TimeoutMS))
	if err != nil && s == nil {
		h.fail(c, err)
		return
	}

	h.metrics.SessionsCreated.Inc()
	h.metrics.SetSessionsActive(h.reg.Len())

	if err != nil {
		// The initial batch timed out but the session is live: the caller
		// gets the id and can keep driving the still-running target. The
		// startup events stay buffered for the next batch.
		h.metrics.RecordBatch(batchErrorLabel(err), len(req.Commands), time.Since(start))
		c.JSON(http.StatusCreated, batchResponse{
			SessionID: s.ID.String(),
			Status:    string(s.Status()),
			Outcome:   "timeout",
			Items:     []buffer.Item{},
		})
		return
	}

	h.metrics.RecordBatch(string(res.Outcome), len(req.Commands), time.Since(start))
	c.JSON(http.StatusCreated, toBatchResponse(s.ID, res))
}

// ExecuteCommands runs one command batch against a session. An empty batch
// is legal: it just waits for the target to quiesce again.
func (h *Handlers) ExecuteCommands(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if err := h.validateCommands(req.Commands); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sid := id.SessionID(c.Param("id"))
	start := time.Now()
	res, err := h.reg.Execute(c.Request.Context(), sid, req.Commands, batchTimeout(req.TimeoutMS))
	if err != nil {
		h.metrics.RecordBatch(batchErrorLabel(err), len(req.Commands), time.Since(start))
		h.fail(c, err)
		return
	}
	h.metrics.RecordBatch(string(res.Outcome), len(req.Commands), time.Since(start))

	c.JSON(http.StatusOK, toBatchResponse(sid, res))
}

// CloseSession tears a session down. Closing is idempotent and never
// fails, whatever state the session is in.
func (h *Handlers) CloseSession(c *gin.Context) {
	sid := id.SessionID(c.Param("id"))
	status := h.reg.Close(c.Request.Context(), sid)

	h.metrics.SessionsClosed.Inc()
	h.metrics.SetSessionsActive(h.reg.Len())

	c.JSON(http.StatusOK, gin.H{
		"session_id": sid.String(),
		"status":     string(status),
	})
}

// ListSessions returns all live sessions, oldest first.
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.reg.List()
	out := make([]sessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionInfo(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// GetSession returns one session's state.
func (h *Handlers) GetSession(c *gin.Context) {
	s, err := h.reg.Get(id.SessionID(c.Param("id")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionInfo(s))
}

// validateCommands rejects methods outside the exposed command surface,
// unless the deployment opted into forwarding anything.
func (h *Handlers) validateCommands(commands []cdp.Command) error {
	if h.cfg.Session.AllowUnknownCommands {
		return nil
	}
	for _, cmd := range commands {
		if !cdp.IsAllowed(cmd.Method) {
			return fmt.Errorf("unsupported command method: %s", cmd.Method)
		}
	}
	return nil
}

// fail maps domain errors to HTTP status codes.
func (h *Handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrTooManySessions):
		status = http.StatusTooManyRequests
	case errors.Is(err, executor.ErrTimeout):
		status = http.StatusRequestTimeout
	case errors.Is(err, sandbox.ErrInjection):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, sandbox.ErrProvision), errors.Is(err, link.ErrConnectionLost):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func toBatchResponse(sid id.SessionID, res *session.Result) batchResponse {
	items := res.Items
	if items == nil {
		items = []buffer.Item{}
	}
	return batchResponse{
		SessionID: sid.String(),
		Status:    string(res.Status),
		Outcome:   string(res.Outcome),
		Items:     items,
	}
}

func toSessionInfo(s *session.Session) sessionInfo {
	return sessionInfo{
		SessionID:   s.ID.String(),
		Status:      string(s.Status()),
		CreatedAt:   s.CreatedAt,
		ContainerID: s.ContainerID(),
	}
}

func batchTimeout(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func batchErrorLabel(err error) string {
	if errors.Is(err, executor.ErrTimeout) {
		return "timeout"
	}
	return "error"
}
