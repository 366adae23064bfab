package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/geraldsadya/circles-backend-go/internal/config"
	"github.com/geraldsadya/circles-backend-go/internal/handler"
	"github.com/geraldsadya/circles-backend-go/internal/middleware"
	"github.com/geraldsadya/circles-backend-go/internal/service"
)

// SetupRouter builds the HTTP adapter around the core
func SetupRouter(cfg *config.Config, core *service.Core, log logrus.FieldLogger, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(log))

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Circles verification core is running",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	samples := handler.NewSampleHandler(core)
	challenges := handler.NewChallengeHandler(core)
	ledger := handler.NewLedgerHandler(core)
	circles := handler.NewCircleHandler(core)

	limiter := middleware.NewRateLimiter(20, 40, 10*time.Minute)

	api := r.Group("/api/v1", middleware.Auth(cfg.JWTSecret), middleware.RateLimit(limiter))
	{
		s := api.Group("/samples")
		{
			s.POST("/position", samples.Position)
			s.POST("/motion", samples.Motion)
			s.POST("/proof", samples.Proof)
			s.POST("/clock", samples.Clock)
			s.POST("/focus", samples.Focus)
		}

		ch := api.Group("/challenges")
		{
			ch.PUT("", challenges.Define)
			ch.GET("/:id", challenges.Get)
			ch.DELETE("/:id", challenges.Deactivate)
			ch.POST("/:id/evaluate", challenges.Evaluate)
		}
		api.POST("/sweep", challenges.Sweep)
		api.GET("/results/me", challenges.Results)

		api.GET("/ledger/me/total", ledger.Total)
		api.GET("/ledger/me/entries", ledger.Entries)
		api.GET("/integrity/me", ledger.Integrity)

		api.POST("/users/me", circles.Register)
		api.DELETE("/users/me", circles.Delete)

		c := api.Group("/circles/:id")
		{
			c.POST("", circles.Create)
			c.GET("/snapshot", ledger.Snapshot)
			c.POST("/members", circles.Join)
			c.DELETE("/members", circles.Leave)
		}
	}

	return r
}
