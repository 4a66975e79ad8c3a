package rollout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Molam-git/molam-connect-sub010/internal/logging"
	"github.com/Molam-git/molam-connect-sub010/internal/validation"
)

type createRolloutDTO struct {
	PluginName      string   `json:"plugin_name" binding:"required"`
	Version         string   `json:"version" binding:"required"`
	Percentage      int      `json:"percentage"`
	Strategy        string   `json:"strategy" binding:"required"`
	TargetCountries []string `json:"target_countries"`
	TargetTiers     []string `json:"target_tiers"`
	ErrorThreshold  float64  `json:"error_threshold"`
}

type shouldUpgradeResponse struct {
	Admitted bool `json:"admitted"`
}

type initiateRollbackDTO struct {
	Merchant    string `json:"merchant" binding:"required"`
	Plugin      string `json:"plugin" binding:"required"`
	FromVersion string `json:"from_version" binding:"required"`
	ToVersion   string `json:"to_version" binding:"required"`
	Reason      string `json:"reason"`
}

type completeRollbackDTO struct {
	Success       bool   `json:"success"`
	ErrorMessage  string `json:"error_message"`
	DurationMS    int64  `json:"duration_ms"`
	FilesRestored bool   `json:"files_restored"`
	DBRestored    bool   `json:"db_restored"`
}

type createBackupDTO struct {
	Merchant   string            `json:"merchant" binding:"required"`
	Plugin     string            `json:"plugin" binding:"required"`
	Version    string            `json:"version" binding:"required"`
	Path       string            `json:"path" binding:"required"`
	DBSnapshot string            `json:"db_snapshot"`
	SizeBytes  int64             `json:"size_bytes"`
	Metadata   map[string]string `json:"metadata"`
}

// RegisterRoutes wires the rollout endpoints onto r. Mutators are restricted
// to {ops_plugins, pay_admin}; ShouldUpgrade is a server-to-server call
// expected from the plugin agent and carries no role check.
func RegisterRoutes(r gin.IRouter, ctrl *Controller) {
	mutate := validation.RequireRoles("ops_plugins", "pay_admin")
	autoCheck := validation.RequireRoles("ops_plugins", "pay_admin", "sira_service")

	r.POST("/rollouts", mutate, handleCreateRollout(ctrl))
	r.GET("/rollouts/:plugin/should-upgrade", handleShouldUpgrade(ctrl))
	r.POST("/rollouts/:id/complete", mutate, handleCompleteRollout(ctrl))
	r.POST("/rollouts/auto-pause-sweep", autoCheck, handleAutoPauseSweep(ctrl))

	r.POST("/rollbacks", mutate, handleInitiateRollback(ctrl))
	r.POST("/rollbacks/:id/complete", mutate, handleCompleteRollback(ctrl))

	r.POST("/plugin-backups", mutate, handleCreateBackup(ctrl))
	r.GET("/plugin-backups/latest", handleGetLatestBackup(ctrl))
	r.POST("/plugin-backups/cleanup", mutate, handleCleanupExpired(ctrl))
}

func handleCreateRollout(ctrl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body createRolloutDTO
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}

		r, err := ctrl.CreateRollout(c.Request.Context(), &Rollout{
			PluginName:      body.PluginName,
			Version:         body.Version,
			Percentage:      body.Percentage,
			Strategy:        Strategy(body.Strategy),
			TargetCountries: body.TargetCountries,
			TargetTiers:     body.TargetTiers,
			ErrorThreshold:  body.ErrorThreshold,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

func handleShouldUpgrade(ctrl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		admitted, err := ctrl.ShouldUpgrade(c.Request.Context(), AdmissionContext{
			Merchant: c.Query("merchant"),
			Plugin:   c.Param("plugin"),
			Country:  c.Query("country"),
			Tier:     c.Query("tier"),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, shouldUpgradeResponse{Admitted: admitted})
	}
}

func handleCompleteRollout(ctrl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := ctrl.CompleteRolloutStage(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

func handleAutoPauseSweep(ctrl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, _ := c.Get("rolloutErrorObserver")
		observer, ok := v.(ErrorRateObserver)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "error observer not configured"})
			return
		}
		n, err := ctrl.AutoPauseSweep(c.Request.Context(), observer)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"paused": n})
	}
}

func handleInitiateRollback(ctrl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body initiateRollbackDTO
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		a, err := ctrl.InitiateRollback(c.Request.Context(),
			body.Merchant, body.Plugin, body.FromVersion, body.ToVersion,
			TriggerManual, body.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, a)
	}
}

func handleCompleteRollback(ctrl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body completeRollbackDTO
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		a, err := ctrl.CompleteRollback(c.Request.Context(), c.Param("id"), body.Success,
			body.ErrorMessage, body.DurationMS, body.FilesRestored, body.DBRestored)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, a)
	}
}

func handleCreateBackup(ctrl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body createBackupDTO
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		b, err := ctrl.CreateBackup(c.Request.Context(), body.Merchant, body.Plugin,
			body.Version, body.Path, body.DBSnapshot, body.SizeBytes, body.Metadata)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, b)
	}
}

func handleGetLatestBackup(ctrl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := ctrl.GetLatestBackup(c.Request.Context(), c.Query("merchant"), c.Query("plugin"), c.Query("version"))
		if err != nil {
			writeError(c, err)
			return
		}
		if b == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no usable backup found"})
			return
		}
		c.JSON(http.StatusOK, b)
	}
}

func handleCleanupExpired(ctrl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := ctrl.CleanupExpired(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": n})
	}
}

// writeError maps structured validation/precondition errors to 4xx;
// anything else is an internal invariant violation (5xx).
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidPercentage),
		errors.Is(err, ErrInvalidStrategy),
		errors.Is(err, ErrRolloutNotFound),
		errors.Is(err, ErrRolloutTerminal),
		errors.Is(err, ErrBackupUnusable),
		errors.Is(err, ErrRollbackNotFound),
		errors.Is(err, ErrRollbackTerminal):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("rollout handler internal error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
