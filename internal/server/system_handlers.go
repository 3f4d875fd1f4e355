package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tutorpay/internal/api"
)

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{Status: "ok"})
}

func Metrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
