package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/streamprobe/models"
	"github.com/use-agent/streamprobe/service"
)

// PostBatch returns a handler for POST /extract/batch.
// It validates the request, registers a job and returns its ID at once;
// the URLs are extracted in the background.
func PostBatch(b *service.Batches) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.BatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, models.NewExtractError(models.ErrCodeInvalidInput, err.Error(), err))
			return
		}
		c.JSON(http.StatusAccepted, b.Submit(req))
	}
}

// GetBatch returns a handler for GET /extract/batch/:id.
func GetBatch(b *service.Batches) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, ok := b.Get(c.Param("id"))
		if !ok {
			respondError(c, models.NewExtractError(models.ErrCodeNotFound, "batch job not found", nil))
			return
		}
		c.JSON(http.StatusOK, st)
	}
}
