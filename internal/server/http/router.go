package http

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"relay/internal/logging"
	"relay/internal/observability"
	"relay/internal/server/app"
	"relay/internal/server/ports"
)

// RouterConfig holds delivery-layer settings.
type RouterConfig struct {
	AllowedOrigins    []string
	ReplayOnSubscribe bool
	Debug             bool
}

// NewRouter wires all endpoints: the websocket stream, the producer/ops REST
// surface, health and metrics.
func NewRouter(
	cfg RouterConfig,
	directory *app.SessionDirectory,
	hub *app.Hub,
	buffer *app.ReplayBuffer,
	tracker ports.TaskTracker,
	collector *observability.Collector,
) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logging.NewComponentLogger("HTTP")))

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	apiHandler := NewAPIHandler(directory, hub, buffer, tracker)
	streamHandler := NewStreamHandler(hub, cfg.ReplayOnSubscribe)

	api := engine.Group("/api")
	{
		api.GET("/health", apiHandler.HandleHealth)
		api.GET("/stats", apiHandler.HandleStats)
		api.GET("/stream", streamHandler.HandleStream)

		sessions := api.Group("/sessions")
		{
			sessions.POST("", apiHandler.HandleCreateSession)
			sessions.GET("", apiHandler.HandleListSessions)
			sessions.GET("/:id", apiHandler.HandleGetSession)
			sessions.POST("/:id/close", apiHandler.HandleCloseSession)
			sessions.POST("/:id/reopen", apiHandler.HandleReopenSession)
			sessions.POST("/:id/messages", apiHandler.HandlePublishContent)
			sessions.GET("/:id/history", apiHandler.HandleSessionHistory)
			sessions.POST("/:id/tasks", apiHandler.HandleStartTask)
			sessions.GET("/:id/tasks", apiHandler.HandleListTasks)
			sessions.GET("/:id/tasks/:task", apiHandler.HandleGetTask)
			sessions.POST("/:id/tasks/:task/progress", apiHandler.HandleTaskProgress)
			sessions.POST("/:id/tasks/:task/complete", apiHandler.HandleTaskComplete)
			sessions.POST("/:id/tasks/:task/fail", apiHandler.HandleTaskFail)
		}
	}

	if collector != nil {
		engine.GET("/metrics", func(c *gin.Context) {
			collector.Handler().ServeHTTP(c.Writer, c.Request)
		})
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, apiResponse{Success: false, Error: "not found"})
	})

	return engine
}
