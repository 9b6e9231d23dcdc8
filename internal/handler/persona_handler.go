package handler

import (
	"errors"
	"net/http"

	"advisor-go/internal/service"
	"advisor-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// PersonaHandler 提供人物目录的只读接口。
type PersonaHandler struct {
	catalog service.PersonaCatalog
}

// NewPersonaHandler 创建一个新的 PersonaHandler。
func NewPersonaHandler(catalog service.PersonaCatalog) *PersonaHandler {
	return &PersonaHandler{catalog: catalog}
}

// List 列出人物，可以用 ?category= 过滤。
func (h *PersonaHandler) List(c *gin.Context) {
	personas, err := h.catalog.List(c.Request.Context(), c.Query("category"))
	if err != nil {
		log.Errorf("list personas: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to list personas")
		return
	}
	respondOK(c, personas)
}

// Get 返回单个人物和它的开场白。
func (h *PersonaHandler) Get(c *gin.Context) {
	p, err := h.catalog.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, service.ErrPersonaNotFound) {
		respondError(c, http.StatusNotFound, "persona not found")
		return
	}
	if err != nil {
		log.Errorf("get persona: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to load persona")
		return
	}
	respondOK(c, gin.H{"persona": p, "greeting": h.catalog.Greeting(p)})
}

// Categories 返回所有分类。
func (h *PersonaHandler) Categories(c *gin.Context) {
	cats, err := h.catalog.Categories(c.Request.Context())
	if err != nil {
		log.Errorf("list categories: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to list categories")
		return
	}
	respondOK(c, cats)
}
