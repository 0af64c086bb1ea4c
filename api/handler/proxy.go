package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/streamprobe/metrics"
	"github.com/use-agent/streamprobe/models"
	"github.com/use-agent/streamprobe/relay"
)

// Proxy returns a handler for GET /proxy.
//
// The upstream status and content headers are relayed as-is. Failures
// before the upstream answered are reported as JSON errors.
func Proxy(r *relay.Relay, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ProxyRequest
		if err := c.ShouldBindQuery(&req); err != nil {
			respondError(c, models.NewExtractError(models.ErrCodeInvalidInput, err.Error(), err))
			return
		}

		err := r.Forward(c.Request.Context(), c.Writer, relay.Request{
			URL:       req.URL,
			Referer:   req.Referer,
			Origin:    req.Origin,
			UserAgent: req.UserAgent,
			Range:     c.GetHeader("Range"),
		})
		if err == nil {
			m.ObserveRelay(metrics.OutcomeSuccess)
			return
		}

		code := models.ErrorCode(err)
		m.ObserveRelay(code)
		if c.Writer.Written() {
			return
		}
		slog.Warn("proxy failed", "url", req.URL, "error", err)
		respondError(c, err)
	}
}

// ProxyPreflight answers CORS preflight requests for /proxy.
func ProxyPreflight(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Range, X-API-Key, Authorization")
	h.Set("Access-Control-Max-Age", "86400")
	c.Status(http.StatusNoContent)
}
