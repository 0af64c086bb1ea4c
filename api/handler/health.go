package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/streamprobe/models"
	"github.com/use-agent/streamprobe/service"
)

// Version is reported by /health.
const Version = "0.1.0"

// Health returns a handler for GET /health.
//
// Degrades status while the pool is still warming up or every managed
// browser is leased out.
func Health(p *service.Prober, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		pool := p.Stats().Pool

		status := "healthy"
		if pool.Size > 0 && (!pool.Ready || pool.Available == 0 && pool.InUse >= pool.Size) {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Version: Version,
		})
	}
}

// Stats returns a handler for GET /stats.
func Stats(p *service.Prober, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := p.Stats()

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		resp.Memory = models.MemoryStats{
			HeapAlloc:  ms.HeapAlloc,
			HeapInuse:  ms.HeapInuse,
			Sys:        ms.Sys,
			Goroutines: runtime.NumGoroutine(),
		}
		resp.Uptime = time.Since(startTime).Round(time.Second).String()

		c.JSON(http.StatusOK, resp)
	}
}
