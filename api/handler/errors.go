package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/streamprobe/models"
)

// mapErrorToStatus translates error codes to HTTP status codes. A run that
// finished without finding a stream is a 404; only infrastructure failures
// are 5xx.
func mapErrorToStatus(e *models.ExtractError) int {
	switch e.Code {
	case models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodeNoStreams, models.ErrCodeTimeout, models.ErrCodeNavigation, models.ErrCodeNotFound:
		return http.StatusNotFound // 404
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	default:
		return http.StatusInternalServerError // 500
	}
}

// respondError writes err as {success:false, error} with the mapped status.
func respondError(c *gin.Context, err error) {
	ee := models.AsExtractError(err)
	c.JSON(mapErrorToStatus(ee), gin.H{
		"success": false,
		"error":   ee.ToDetail(),
	})
}
