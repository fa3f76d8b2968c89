package registry

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/querylens/querylens/pkg/models"
)

// Server exposes the registry over HTTP.
type Server struct {
	registry *Registry
}

// NewServer creates the HTTP surface over a registry.
func NewServer(registry *Registry) *Server {
	return &Server{registry: registry}
}

// Router builds the gin engine with all registry routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/register", s.handleRegister)
	router.GET("/servers", s.handleListServers)
	router.GET("/health", s.handleHealth)
	return router
}

type registerRequest struct {
	Role         string   `json:"role" binding:"required"`
	Endpoint     string   `json:"endpoint" binding:"required"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.registry.Register(models.ToolDescriptor{
		Role:         req.Role,
		Endpoint:     req.Endpoint,
		Capabilities: req.Capabilities,
	})
	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}

func (s *Server) handleListServers(c *gin.Context) {
	role := c.Query("role")

	var servers []models.ToolDescriptor
	if c.Query("healthy") == "true" {
		servers = s.registry.Healthy(role)
	} else {
		servers = s.registry.List(role)
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"registered": len(s.registry.List("")),
	})
}
