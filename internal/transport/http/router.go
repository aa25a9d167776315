package http

import (
	"github.com/gin-gonic/gin"
	"github.com/sirephil/sf-async-callout/internal/config"
	"github.com/sirephil/sf-async-callout/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.DealService, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc)
	return r
}
