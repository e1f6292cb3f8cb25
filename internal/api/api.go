package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/icebiz/modgate/internal/access"
	"github.com/icebiz/modgate/internal/admin"
	"github.com/icebiz/modgate/internal/apperr"
	"github.com/icebiz/modgate/internal/registry"
	"github.com/icebiz/modgate/pkg/schema"
)

type Handler struct {
	Service *admin.Service
	Decider *access.Decider
}

// Register mounts the handlers on rg. Authentication must already have run.
func (h *Handler) Register(rg gin.IRouter) {
	rg.GET("/modules", h.ListModules)
	rg.PUT("/groups/:group/modules", h.UpdateGroupModules)
	rg.DELETE("/groups/:group", h.DeleteGroup)
	rg.POST("/reconcile", h.Reconcile)
	rg.POST("/flush", h.Flush)
	rg.GET("/access/:module", h.Access)
	rg.GET("/audit", h.Audit)
	rg.GET("/status", h.Status)
}

func writeError(c *gin.Context, err error) {
	c.JSON(apperr.StatusOf(err), gin.H{"error": err.Error(), "kind": apperr.KindOf(err)})
}

func (h *Handler) ListModules(c *gin.Context) {
	listing, err := h.Service.ListModules(c.Request.Context(), access.CallerFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// UpdateGroupModules answers 202 when the edit is held in memory but not yet
// on disk.
func (h *Handler) UpdateGroupModules(c *gin.Context) {
	group := c.Param("group")

	var input schema.UpdateRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": apperr.KindInvalidParam})
		return
	}

	memberships := make(map[registry.Module]bool, len(input.Modules))
	for mod, member := range input.Modules {
		memberships[registry.Module(mod)] = member
	}

	res, err := h.Service.UpdateGroupModules(c.Request.Context(), access.CallerFrom(c), group, memberships)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(resultStatus(res), res)
}

func (h *Handler) DeleteGroup(c *gin.Context) {
	res, err := h.Service.DeleteGroup(c.Request.Context(), access.CallerFrom(c), c.Param("group"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(resultStatus(res), res)
}

func resultStatus(res schema.UpdateResult) int {
	if res.Persisted {
		return http.StatusOK
	}
	return http.StatusAccepted
}

func (h *Handler) Reconcile(c *gin.Context) {
	res, err := h.Service.ReconcileAll(c.Request.Context(), access.CallerFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Flush(c *gin.Context) {
	if err := h.Service.Flush(c.Request.Context(), access.CallerFrom(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// Access explains whether the caller may use a module. Unknown modules
// are answered, not rejected: the decision is a deny.
func (h *Handler) Access(c *gin.Context) {
	caller := access.CallerFrom(c)
	c.JSON(http.StatusOK, h.Decider.Explain(caller, registry.Module(c.Param("module"))))
}

func (h *Handler) Audit(c *gin.Context) {
	if err := h.Service.Authorize(access.CallerFrom(c)); err != nil {
		writeError(c, err)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer", "kind": apperr.KindInvalidParam})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, h.Service.Audit(limit))
}

func (h *Handler) Status(c *gin.Context) {
	if err := h.Service.Authorize(access.CallerFrom(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Service.Status())
}
