package api

import (
	"net/http"
	"time"

	authDelivery "replywatch-backend/internal/auth/delivery"
	authUsecase "replywatch-backend/internal/auth/usecase"
	replyDelivery "replywatch-backend/internal/reply/delivery"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	adminAuth      authUsecase.AdminAuth
	accountHandler *authDelivery.AccountHandler
	replyHandler   *replyDelivery.ReplyHandler
}

func NewHandler(adminAuth authUsecase.AdminAuth, accountHandler *authDelivery.AccountHandler, replyHandler *replyDelivery.ReplyHandler) *Handler {
	return &Handler{
		adminAuth:      adminAuth,
		accountHandler: accountHandler,
		replyHandler:   replyHandler,
	}
}

// Router builds the gin engine with middleware and routes.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// CORS middleware
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	SetupRoutes(r, h.adminAuth, h.accountHandler, h.replyHandler)
	return r
}

// Server wraps the router so main can shut it down gracefully.
func (h *Handler) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
