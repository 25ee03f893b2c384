package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Store     string    `json:"store"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck reports healthy only while the presence store answers a ping.
func HealthCheck(store Pinger, timeout time.Duration) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		response := HealthResponse{
			Status:    "healthy",
			Service:   "script-presence",
			Store:     "up",
			Timestamp: time.Now(),
		}

		status := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			response.Status = "unhealthy"
			response.Store = "down"
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, response)
	}
}
