package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/streamprobe/models"
	"github.com/use-agent/streamprobe/service"
)

// Extract returns a handler for GET /extract.
//
// Flow:
//  1. Bind the query (url, aggressive, no_cache).
//  2. Prober.Probe: validation, cache, admission, engine.
//  3. 200 with the chosen stream, or the mapped error status with the
//     result's ranked streams and error detail.
func Extract(p *service.Prober) gin.HandlerFunc {
	return func(c *gin.Context) {
		totalStart := time.Now()

		var req models.ExtractRequest
		if err := c.ShouldBindQuery(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ExtractResponse{
				Success: false,
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: err.Error(),
				},
			})
			return
		}

		res, err := p.Probe(c.Request.Context(), service.Request{
			URL:        req.URL,
			Aggressive: req.Aggressive,
			NoCache:    req.NoCache,
		})

		var resp models.ExtractResponse
		if res != nil && res.ExtractionResult != nil {
			resp = models.NewExtractResponse(res.ExtractionResult)
			resp.CacheStatus = "miss"
			if res.CacheHit {
				resp.CacheStatus = "hit"
				resp.Timing.ExtractionMs = 0
			}
		}
		resp.Timing.TotalMs = time.Since(totalStart).Milliseconds()

		if err != nil {
			ee := models.AsExtractError(err)
			resp.Success = false
			resp.Data = nil
			resp.Error = ee.ToDetail()
			c.JSON(mapErrorToStatus(ee), resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
