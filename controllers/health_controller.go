package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (a *API) HealthCheck(c *gin.Context) {
	response := gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"db":        "ok",
	}

	sqlDB, err := a.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		response["db"] = "error: cannot connect to DB"
		response["status"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	ai, err := a.Generator.Health(c.Request.Context())
	if err != nil {
		response["status"] = "degraded"
		response["ai_service"] = gin.H{"status": "unreachable", "error": err.Error()}
	} else {
		response["ai_service"] = ai
	}
	c.JSON(http.StatusOK, response)
}
