package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openwatt/datamesh/pkg/adapters"
	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/models"
)

func (s *Server) handleExecuteRequest(c *gin.Context) {
	var req models.DataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %v", err))
		return
	}

	resp, err := s.manager.ExecuteRequest(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRegisterSource(c *gin.Context) {
	var cfg models.SourceConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		s.writeError(c, errors.Validation("invalid source config: %v", err))
		return
	}

	if err := s.manager.RegisterSource(adapters.NewHTTPAdapter(cfg, nil)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": cfg.ID})
}

func (s *Server) handleDeregisterSource(c *gin.Context) {
	if err := s.manager.DeregisterSource(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSourceMetrics(c *gin.Context) {
	metrics, err := s.manager.SourceMetrics(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) handleAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.manager.Alerts()})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Status())
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.manager.HealthCheck()
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleMaintenance(c *gin.Context) {
	s.manager.Maintenance()
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}
