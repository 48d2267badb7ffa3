package routes

import (
	"log"
	"net/http"
	"os"
	"time"

	"poll-ledger-backend/handlers"
	"poll-ledger-backend/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Server 是HTTP服务器的封装
type Server struct {
	*http.Server
}

// Handlers 路由需要的全部处理器
type Handlers struct {
	Poll   *handlers.PollHandler
	Vote   *handlers.VoteHandler
	Health *handlers.HealthHandler
	WS     *websocket.Handler
}

// SetupRouter 设置和配置Gin路由
func SetupRouter(h Handlers) *gin.Engine {
	router := gin.Default()

	// 配置CORS中间件
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"}, // 生产环境中应限制为前端域名
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Identity"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// 初始化限流器
	handlers.InitRateLimiters()

	// WebSocket订阅端点
	if h.WS != nil {
		h.WS.RegisterRoutes(router)
	}

	api := router.Group("/api")
	{
		api.Use(handlers.RateLimitMiddleware())

		// 健康检查和运维端点
		api.GET("/health", h.Health.Health)
		api.GET("/admin/queue/stats", h.Health.QueueStats)
		api.POST("/admin/queue/retry-dead-letters", h.Health.RetryDeadLetters)

		// 投票活动端点
		polls := api.Group("/polls")
		{
			polls.POST("", handlers.IdentityRequired(), h.Poll.CreatePoll)
			polls.GET("/:id", h.Poll.GetPoll)
			polls.GET("/:id/tallies", h.Poll.GetTallies)
			polls.GET("/:id/open", h.Poll.IsPollOpen)
			polls.POST("/:id/close", handlers.IdentityRequired(), h.Poll.ClosePoll)

			// 选票端点
			polls.POST("/:id/votes", handlers.IdentityRequired(), h.Vote.CastVote)
			polls.GET("/:id/votes/me", handlers.IdentityRequired(), h.Vote.HasVoted)
			polls.GET("/:id/votes/me/choice", handlers.IdentityRequired(), h.Vote.GetVoterChoice)
			polls.GET("/:id/votes/me/record", handlers.IdentityRequired(), h.Vote.GetVoteRecord)
			polls.GET("/:id/voters/count", h.Vote.CountVoters)
		}

		// 创建者索引
		api.GET("/users/:creator/polls", h.Poll.GetUserPolls)
	}

	return router
}

// StartServer 启动HTTP服务器
func StartServer(router *gin.Engine) *Server {
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8090"
	}

	addr := ":" + port

	srv := &Server{
		&http.Server{
			Addr:    addr,
			Handler: router,
		},
	}

	go func() {
		log.Printf("服务器启动在 %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务器启动失败: %v", err)
		}
	}()

	return srv
}
