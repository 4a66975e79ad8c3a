package simulator

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Molam-git/molam-connect-sub010/internal/idgen"
	"github.com/Molam-git/molam-connect-sub010/internal/logging"
	"github.com/Molam-git/molam-connect-sub010/internal/validation"
)

type createSimulationDTO struct {
	PluginName     string         `json:"plugin_name" binding:"required"`
	SDKLanguage    string         `json:"sdk_language" binding:"required"`
	Scenario       map[string]any `json:"scenario"`
	PatchReference string         `json:"patch_reference"`
	PatchCode      string         `json:"patch_code"`
	RollbackCode   string         `json:"rollback_code"`
}

type submitRunDTO struct {
	SimulationID string `json:"simulation_id" binding:"required"`
	Seed         int64  `json:"seed"`
}

// Admin wires in the simulator's own submission path — it's a thin layer
// over Store, not a Workflow/Controller, since the worker (not an HTTP
// caller) owns the state machine.
type Admin struct {
	store Store
}

// NewAdmin creates a simulator admin API surface.
func NewAdmin(store Store) *Admin { return &Admin{store: store} }

// RegisterRoutes wires the simulator admin endpoints onto r. Mutators
// require ops_plugins or pay_admin; read endpoints are open.
func RegisterRoutes(r gin.IRouter, admin *Admin) {
	mutate := validation.RequireRoles("ops_plugins", "pay_admin")

	r.POST("/simulations", mutate, handleCreateSimulation(admin))
	r.POST("/simulation-runs", mutate, handleSubmitRun(admin))
	r.GET("/simulation-runs/:id", handleGetRun(admin))
	r.GET("/simulation-runs/:id/journal", handleGetJournal(admin))
	r.GET("/simulation-runs/:id/anonymized-errors", handleGetAnonymizedErrors(admin))
	r.GET("/simulation-runs", handleListRuns(admin))
}

func handleCreateSimulation(admin *Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body createSimulationDTO
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		sim := &Simulation{
			ID:             idgen.WithPrefix("sim_"),
			PluginName:     body.PluginName,
			SDKLanguage:    body.SDKLanguage,
			Scenario:       body.Scenario,
			PatchReference: body.PatchReference,
			PatchCode:      body.PatchCode,
			RollbackCode:   body.RollbackCode,
		}
		if err := admin.store.CreateSimulation(c.Request.Context(), sim); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, sim)
	}
}

func handleSubmitRun(admin *Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body submitRunDTO
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		ctx := c.Request.Context()
		sim, err := admin.store.GetSimulation(ctx, body.SimulationID)
		if err != nil {
			writeError(c, err)
			return
		}
		if sim == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "simulation not found"})
			return
		}
		run := &SimulationRun{
			ID:           idgen.WithPrefix("run_"),
			SimulationID: sim.ID,
			Seed:         body.Seed,
			SDKLanguage:  sim.SDKLanguage,
			Status:       StatusQueued,
			StartedAt:    time.Now(),
		}
		if err := admin.store.EnqueueRun(ctx, run); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func handleGetRun(admin *Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := admin.store.GetRun(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if run == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func handleGetJournal(admin *Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := admin.store.ListJournal(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"journal": entries})
	}
}

func handleGetAnonymizedErrors(admin *Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := admin.store.ListAnonymizedErrors(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"anonymized_errors": entries})
	}
}

func handleListRuns(admin *Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		runs, err := admin.store.ListRuns(c.Request.Context(), c.Query("status"), 100)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRunNotFound), errors.Is(err, ErrSimulationNotFound), errors.Is(err, ErrRunNotQueued):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("simulator handler internal error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
