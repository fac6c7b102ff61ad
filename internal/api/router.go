package api

import (
	"unicode/utf8"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/community-realtime/config"
	"github.com/d60-Lab/community-realtime/internal/api/handler"
	"github.com/d60-Lab/community-realtime/internal/api/middleware"
)

// NewRouter 组装 HTTP 路由；写接口挂限流，全部业务接口挂鉴权
func NewRouter(cfg *config.Config, h *handler.Handler) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	registerValidators()

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	v1 := r.Group("/api/v1", middleware.Auth(cfg.Auth.JWTSecret))

	community := v1.Group("/community")
	{
		community.GET("/posts", h.ListFeed)
		community.GET("/posts/:post_id", h.GetPost)
		community.GET("/posts/:post_id/comments", h.GetComments)

		write := community.Group("", middleware.RateLimit(rate.Limit(10), 20))
		write.POST("/posts", h.CreatePost)
		write.POST("/posts/:post_id/like", h.ToggleLike)
		write.POST("/posts/:post_id/comments", h.PostComment)
		write.PUT("/posts/:post_id/visibility", h.SetVisibility)
	}

	chat := v1.Group("/chat")
	{
		chat.GET("/conversations", h.ListConversations)
		chat.GET("/conversations/:conversation_id/messages", h.ListMessages)
		chat.GET("/users/search", h.SearchUsers)
		chat.GET("/users/:user_id/online", h.UserOnline)

		write := chat.Group("", middleware.RateLimit(rate.Limit(10), 20))
		write.POST("/conversations", h.StartConversation)
		write.POST("/conversations/:conversation_id/messages", h.SendMessage)
		write.POST("/conversations/:conversation_id/read", h.MarkRead)
		write.POST("/messages/:message_id/reactions", h.ToggleReaction)
		write.POST("/share", h.SharePost)
	}

	return r
}

// registerValidators 注册 emojikey：回应表情必须是单个短 token，
// 与 message_reactions 唯一索引的 varchar(16) 宽度保持一致
func registerValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("emojikey", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s != "" && len(s) <= 16 && utf8.RuneCountInString(s) <= 4
	})
}
