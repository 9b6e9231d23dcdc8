package handler

import (
	"advisor-go/internal/middleware"
	"advisor-go/internal/service"

	"github.com/gin-gonic/gin"
)

// Dependencies 是注册路由需要的全部服务。Uploader 为 nil 时上传接口返回 503。
type Dependencies struct {
	Catalog  service.PersonaCatalog
	Gateway  service.ConversationGateway
	Chat     service.ChatService
	Verifier middleware.IdentityVerifier
	Uploader ImageUploader
}

// NewRouter 创建路由引擎并注册所有接口。
func NewRouter(deps Dependencies) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	personas := NewPersonaHandler(deps.Catalog)
	conversations := NewConversationHandler(deps.Gateway, deps.Catalog)
	media := NewMediaHandler(deps.Uploader)
	chat := NewChatHandler(deps.Chat, deps.Catalog, deps.Gateway, deps.Verifier)

	apiV1 := r.Group("/api/v1")
	{
		// 人物目录公开访问
		apiV1.GET("/personas", personas.List)
		apiV1.GET("/personas/categories", personas.Categories)
		apiV1.GET("/personas/:id", personas.Get)

		authed := apiV1.Group("/")
		authed.Use(middleware.AuthMiddleware(deps.Verifier))
		{
			authed.GET("/conversations", conversations.List)
			authed.GET("/conversations/search", conversations.Search)
			authed.GET("/conversations/:id/messages", conversations.Messages)
			authed.GET("/conversations/:id/export", conversations.Export)
			authed.POST("/conversations/:id/bookmark", conversations.Bookmark)
			authed.DELETE("/conversations/:id", conversations.Delete)
			authed.POST("/media", media.Upload)
		}
	}

	// WebSocket 无法携带授权头，token 放在路径里
	r.GET("/chat/:token", chat.Handle)
	return r
}
