package api

import (
	"net/http"

	"replywatch-backend/internal/auth/delivery"
	authUsecase "replywatch-backend/internal/auth/usecase"
	replyDelivery "replywatch-backend/internal/reply/delivery"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.Engine, adminAuth authUsecase.AdminAuth, accountHandler *delivery.AccountHandler, replyHandler *replyDelivery.ReplyHandler) {
	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		protected := api.Group("")
		protected.Use(delivery.AuthMiddleware(adminAuth))

		// Mailbox accounts and alert devices
		accounts := protected.Group("/accounts")
		{
			accounts.POST("", accountHandler.RegisterAccount)
			accounts.GET("/:id", accountHandler.GetAccount)
		accounts.PUT("/:id/credentials", accountHandler.UpdateCredentials)
			accounts.POST("/:id/devices", accountHandler.RegisterDevice)
		}

		review := protected.Group("/review")
		{
			review.GET("", replyHandler.ListReview)
			review.POST("/:id/accept", replyHandler.AcceptReview)
			review.POST("/:id/reject", replyHandler.RejectReview)
		}

		reconciliation := protected.Group("/reconciliation")
		{
			reconciliation.GET("/runs", replyHandler.ListRuns)
			reconciliation.POST("/run", replyHandler.RunReconciliation)
		}
		protected.GET("/anomalies", replyHandler.ListAnomalies)

		sent := protected.Group("/sent-messages")
		{
			sent.GET("/:id/attempts", replyHandler.ListAttempts)
			sent.POST("/:id/detect", replyHandler.Detect)
		}

		contacts := protected.Group("/contacts")
		{
			contacts.GET("/:id/aliases", replyHandler.ListAliases)
			contacts.DELETE("/:id/aliases/:address", replyHandler.RevokeAlias)
		}

		sync := protected.Group("/sync")
		{
			sync.GET("/status", replyHandler.SyncStatus)
			sync.POST("/sweep", replyHandler.Sweep)
		}
	}
}
