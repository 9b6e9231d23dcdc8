package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"advisor-go/internal/middleware"
	"advisor-go/internal/model"
	"advisor-go/internal/repository"
	"advisor-go/internal/service"

	"github.com/gin-gonic/gin"
)

const maxPageSize = 100

// ConversationHandler 处理与会话列表相关的 API 请求。
type ConversationHandler struct {
	gateway service.ConversationGateway
	catalog service.PersonaCatalog
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(gateway service.ConversationGateway, catalog service.PersonaCatalog) *ConversationHandler {
	return &ConversationHandler{gateway: gateway, catalog: catalog}
}

// List 处理 GET /conversations?bookmarked=&order=oldest|newest&limit=&offset=
func (h *ConversationHandler) List(c *gin.Context) {
	opts, err := parseListOptions(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	convs, err := h.gateway.ListConversations(c.Request.Context(), middleware.CurrentIdentity(c), opts)
	if err != nil {
		respondGatewayError(c, err)
		return
	}
	respondOK(c, convs)
}

// Search 处理 GET /conversations/search?q=
func (h *ConversationHandler) Search(c *gin.Context) {
	convs, err := h.gateway.SearchConversations(c.Request.Context(), middleware.CurrentIdentity(c), c.Query("q"))
	if err != nil {
		respondGatewayError(c, err)
		return
	}
	respondOK(c, convs)
}

// Messages 返回会话的全部消息，按时间正序。
func (h *ConversationHandler) Messages(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	turns, err := h.gateway.GetTurns(c.Request.Context(), middleware.CurrentIdentity(c), id)
	if err != nil {
		respondGatewayError(c, err)
		return
	}
	respondOK(c, turns)
}

// Bookmark 切换收藏状态。
func (h *ConversationHandler) Bookmark(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	on, err := h.gateway.ToggleBookmark(c.Request.Context(), middleware.CurrentIdentity(c), id)
	if err != nil {
		respondGatewayError(c, err)
		return
	}
	respondOK(c, gin.H{"bookmarked": on})
}

// Delete 删除会话及其消息。
func (h *ConversationHandler) Delete(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	if err := h.gateway.DeleteConversation(c.Request.Context(), middleware.CurrentIdentity(c), id); err != nil {
		respondGatewayError(c, err)
		return
	}
	respondOK(c, nil)
}

// Export 以纯文本返回会话记录。
func (h *ConversationHandler) Export(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	owner := middleware.CurrentIdentity(c)
	turns, err := h.gateway.GetTurns(ctx, owner, id)
	if err != nil {
		respondGatewayError(c, err)
		return
	}

	var persona *model.Persona
	if conv, err := h.gateway.GetConversation(ctx, owner, id); err == nil {
		if p, err := h.catalog.Get(ctx, conv.CharacterID); err == nil {
			persona = p
		}
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="conversation-%d.txt"`, id))
	c.String(http.StatusOK, service.FormatTranscript(persona, &id, turns))
}

func conversationID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return uint(id), true
}

func parseListOptions(c *gin.Context) (repository.ListOptions, error) {
	opts := repository.ListOptions{NewestFirst: true}
	switch c.DefaultQuery("order", "newest") {
	case "newest":
	case "oldest":
		opts.NewestFirst = false
	default:
		return opts, errors.New("order must be oldest or newest")
	}
	if v := c.Query("bookmarked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.New("invalid bookmarked flag")
		}
		opts.BookmarkedOnly = b
	}
	var err error
	if opts.Limit, err = intQuery(c, "limit"); err != nil {
		return opts, err
	}
	if opts.Limit > maxPageSize {
		opts.Limit = maxPageSize
	}
	if opts.Offset, err = intQuery(c, "offset"); err != nil {
		return opts, err
	}
	return opts, nil
}

func intQuery(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}
