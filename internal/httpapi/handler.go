package httpapi

import (
	"net/http"

	asynqmod "github.com/CSCI128/packtrain-sub001/pkg/asynq"
	"github.com/CSCI128/packtrain-sub001/pkg/config"
	"github.com/CSCI128/packtrain-sub001/pkg/health"
	"github.com/CSCI128/packtrain-sub001/pkg/middleware"
	"github.com/CSCI128/packtrain-sub001/services/course"
	"github.com/CSCI128/packtrain-sub001/services/migration"
	"github.com/CSCI128/packtrain-sub001/services/sync"
	"github.com/CSCI128/packtrain-sub001/services/tasks"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler, ProvideEngine),
)

type Handler struct {
	health     health.HealthService
	courses    *course.Service
	migrations *migration.Service
	sync       *sync.Service
	tasks      tasks.Store
}

type HandlerParams struct {
	fx.In

	Health     health.HealthService
	Courses    *course.Service
	Migrations *migration.Service
	Sync       *sync.Service
	Tasks      tasks.Store
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		health:     p.Health,
		courses:    p.Courses,
		migrations: p.Migrations,
		sync:       p.Sync,
		tasks:      p.Tasks,
	}
}

// ProvideEngine builds the gin engine with every route mounted.
func ProvideEngine(cfg *config.Config, h *Handler) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/-/healthy", h.health.Liveness)
	r.GET("/-/ready", h.health.Readiness)

	api := r.Group("/api/v1")
	{
		api.POST("/courses", h.createCourse)
		api.GET("/courses", h.listCourses)
		api.GET("/courses/:course_id/assignments", h.listAssignments)
		api.POST("/courses/:course_id/sync", h.syncCourse)
		api.POST("/courses/:course_id/migrations", h.createMigration)
		api.GET("/courses/:course_id/migrations", h.listMigrations)

		api.GET("/migrations/:master_id", h.getMigration)
		api.POST("/migrations/:master_id/assignments", h.addChildMigration)
		api.POST("/migrations/:master_id/start/validate", h.validateStart)
		api.POST("/migrations/:master_id/start", h.startMigration)
		api.POST("/migrations/:master_id/progress", h.updateProgress)
		api.POST("/migrations/:master_id/review", h.reviewMigration)
		api.POST("/migrations/:master_id/load/validate", h.validateLoad)
		api.POST("/migrations/:master_id/load", h.loadMigration)
		api.POST("/migrations/:master_id/load/retry", h.retryPost)
		api.POST("/migrations/:master_id/finalize", h.finalizePost)

		api.PUT("/migrations/children/:migration_id/policy", h.setPolicy)
		api.POST("/migrations/children/:migration_id/fail", h.failIngestion)

		api.GET("/users/:owner_id/tasks", h.listTasks)
	}

	return r
}

func (h *Handler) createCourse(c *gin.Context) {
	var req course.Course
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}

	created, err := h.courses.CreateCourse(c.Request.Context(), &req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) listCourses(c *gin.Context) {
	list, err := h.courses.ListCourses(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) listAssignments(c *gin.Context) {
	list, err := h.courses.ListAssignments(c.Request.Context(), c.Param("course_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type syncCourseRequest struct {
	RequestedBy     string `json:"requested_by"`
	SyncRoster      bool   `json:"sync_roster"`
	SyncAssignments bool   `json:"sync_assignments"`
}

func (h *Handler) syncCourse(c *gin.Context) {
	var req syncCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}

	err := h.sync.EnqueueCourseSync(c.Request.Context(), asynqmod.CourseSyncPayload{
		CourseID:        c.Param("course_id"),
		RequestedBy:     req.RequestedBy,
		SyncRoster:      req.SyncRoster,
		SyncAssignments: req.SyncAssignments,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type createMigrationRequest struct {
	CreatedBy string `json:"created_by"`
}

func (h *Handler) createMigration(c *gin.Context) {
	var req createMigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}

	master, err := h.migrations.CreateMigration(c.Request.Context(), c.Param("course_id"), req.CreatedBy)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, master)
}

func (h *Handler) listMigrations(c *gin.Context) {
	list, err := h.migrations.ListMigrations(c.Request.Context(), c.Param("course_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) getMigration(c *gin.Context) {
	master, err := h.migrations.GetMigration(c.Request.Context(), c.Param("master_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, master)
}

type addChildRequest struct {
	AssignmentID string `json:"assignment_id"`
}

func (h *Handler) addChildMigration(c *gin.Context) {
	var req addChildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}

	child, err := h.migrations.AddChildMigration(c.Request.Context(), c.Param("master_id"), req.AssignmentID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, child)
}

type setPolicyRequest struct {
	PolicyURI string `json:"policy_uri"`
}

func (h *Handler) setPolicy(c *gin.Context) {
	var req setPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}

	if err := h.migrations.SetPolicy(c.Request.Context(), c.Param("migration_id"), req.PolicyURI); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) validateStart(c *gin.Context) {
	if err := h.migrations.ValidateStartMigration(c.Request.Context(), c.Param("master_id")); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) startMigration(c *gin.Context) {
	master, err := h.migrations.StartMigration(c.Request.Context(), c.Param("master_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, master)
}

func (h *Handler) updateProgress(c *gin.Context) {
	master, err := h.migrations.UpdateIngestionProgress(c.Request.Context(), c.Param("master_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, master)
}

func (h *Handler) reviewMigration(c *gin.Context) {
	if err := h.migrations.ReviewMigration(c.Request.Context(), c.Param("master_id")); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) validateLoad(c *gin.Context) {
	if err := h.migrations.ValidateLoadMigration(c.Request.Context(), c.Param("master_id")); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) loadMigration(c *gin.Context) {
	master, err := h.migrations.LoadMigration(c.Request.Context(), c.Param("master_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, master)
}

func (h *Handler) retryPost(c *gin.Context) {
	if err := h.migrations.RetryPostMigration(c.Request.Context(), c.Param("master_id")); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) finalizePost(c *gin.Context) {
	if err := h.migrations.FinalizePost(c.Request.Context(), c.Param("master_id")); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type failIngestionRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) failIngestion(c *gin.Context) {
	var req failIngestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}

	if err := h.migrations.FailIngestion(c.Request.Context(), c.Param("migration_id"), req.Reason); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) listTasks(c *gin.Context) {
	list, err := h.tasks.GetTasksForUser(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, list)
}
