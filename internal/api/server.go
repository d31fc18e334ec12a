// Package api exposes the queue over HTTP for ingress adapters and
// operators: enqueue, inspect, cancel, stats.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/store"
)

// Server wires the queue store into a gin router.
type Server struct {
	store  *store.Store
	logger *logger.Logger
}

// NewServer creates the API server.
func NewServer(s *store.Store, log *logger.Logger) *Server {
	return &Server{
		store:  s,
		logger: log.WithFields(zap.String("component", "api")),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/tasks", s.listTasks)
		v1.POST("/tasks", s.createTask)
		v1.GET("/tasks/:id", s.getTask)
		v1.POST("/tasks/:id/cancel", s.cancelTask)
		v1.GET("/stats", s.stats)
	}

	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createTaskBody struct {
	Prompt        string `json:"prompt"`
	ProjectPath   string `json:"project_path"`
	Priority      string `json:"priority"`
	MaxIterations int    `json:"max_iterations"`
	MaxRetries    int    `json:"max_retries"`
	CreatedBy     string `json:"created_by"`
	Source        string `json:"source"`
	DependsOn     *int64 `json:"depends_on"`
}

func (s *Server) createTask(c *gin.Context) {
	var body createTaskBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	source := body.Source
	if source == "" {
		source = "cli"
	}

	task, err := s.store.Create(c.Request.Context(), store.CreateTaskRequest{
		Prompt:        body.Prompt,
		ProjectPath:   body.ProjectPath,
		Priority:      models.Priority(body.Priority),
		MaxIterations: body.MaxIterations,
		MaxRetries:    body.MaxRetries,
		CreatedBy:     body.CreatedBy,
		Source:        source,
		DependsOn:     body.DependsOn,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, task)
}

func (s *Server) getTask(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	task, err := s.store.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to load task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, task)
}

func (s *Server) listTasks(c *gin.Context) {
	status := models.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	tasks, err := s.store.List(c.Request.Context(), status, limit)
	if err != nil {
		s.logger.Error("Failed to list tasks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) cancelTask(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	cancelled, err := s.store.Cancel(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("Failed to cancel task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if cancelled {
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
		return
	}

	task, err := s.store.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// Running and terminal tasks cannot be cancelled.
	c.JSON(http.StatusConflict, gin.H{
		"error":  "task is not pending",
		"status": task.Status,
	})
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to compute stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
