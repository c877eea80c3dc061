package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/erp/possync/internal/interfaces/http/dto"
)

// StatsSource counts the active records of each entity type
type StatsSource interface {
	CountByEntity(ctx context.Context) (map[string]int64, error)
}

// SystemHandler serves the health check and server statistics
type SystemHandler struct {
	BaseHandler
	stats   StatsSource
	started time.Time
}

// NewSystemHandler creates a new SystemHandler
func NewSystemHandler(stats StatsSource) *SystemHandler {
	return &SystemHandler{stats: stats, started: time.Now()}
}

// RegisterRoutes implements router.RouteRegistrar
func (h *SystemHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stats", h.Stats)
}

// Health answers the devices' connectivity check without touching storage
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok"})
}

// Stats returns the number of active records per entity type
//
//	@ID				stats
//	@Summary		Active records per entity type
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	dto.Response{data=dto.StatsResponse}
//	@Router			/stats [get]
func (h *SystemHandler) Stats(c *gin.Context) {
	counts := map[string]int64{}
	if h.stats != nil {
		var err error
		if counts, err = h.stats.CountByEntity(c.Request.Context()); err != nil {
			h.HandleError(c, err)
			return
		}
	}
	h.Success(c, dto.StatsResponse{
		Records: counts,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	})
}
