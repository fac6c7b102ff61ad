package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/community-realtime/internal/api/middleware"
	"github.com/d60-Lab/community-realtime/internal/repository"
	"github.com/d60-Lab/community-realtime/internal/service"
	"github.com/d60-Lab/community-realtime/pkg/response"
)

type createPostRequest struct {
	Content string `json:"content"`
	Media   []struct {
		URL  string `json:"url" binding:"required"`
		Type string `json:"type" binding:"oneof=image video"`
	} `json:"media" binding:"max=4,dive"`
}

type commentRequest struct {
	Content  string  `json:"content" binding:"required"`
	ParentID *string `json:"parent_id"`
}

type visibilityRequest struct {
	Visible *bool `json:"visible" binding:"required"`
}

// ListFeed 社区信息流分页
// @Summary 信息流分页（viewer 视角标注）
// @Tags 社区
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/community/posts [get]
func (h *Handler) ListFeed(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	list, err := h.community.LoadFeedPage(c.Request.Context(), middleware.ViewerID(c), (page-1)*pageSize, pageSize)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"page": page, "page_size": pageSize, "list": list})
}

// GetPost 深链定点取帖
// @Summary 按 ID 取单帖（走与分页相同的标注路径）
// @Tags 社区
// @Param post_id path string true "帖子ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/community/posts/{post_id} [get]
func (h *Handler) GetPost(c *gin.Context) {
	item, err := h.community.GetPost(c.Request.Context(), middleware.ViewerID(c), c.Param("post_id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.NotFound(c, "post not found")
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Success(c, item)
}

// CreatePost 发帖
// @Summary 发帖（可带附件）
// @Tags 社区
// @Accept json
// @Param request body createPostRequest true "帖子内容"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/community/posts [post]
func (h *Handler) CreatePost(c *gin.Context) {
	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	media := make([]service.MediaInput, 0, len(req.Media))
	for _, m := range req.Media {
		media = append(media, service.MediaInput{URL: m.URL, Type: m.Type})
	}
	post, err := h.community.CreatePost(c.Request.Context(), middleware.ViewerID(c), req.Content, media)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, post)
}

// ToggleLike 点赞/取消点赞
// @Summary 点赞 toggle（幂等收敛）
// @Tags 社区
// @Param post_id path string true "帖子ID"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/community/posts/{post_id}/like [post]
func (h *Handler) ToggleLike(c *gin.Context) {
	liked, err := h.community.ToggleLike(c.Request.Context(), c.Param("post_id"), middleware.ViewerID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"liked": liked})
}

// PostComment 发评论
// @Summary 发评论（可回复楼中楼）
// @Tags 社区
// @Accept json
// @Param post_id path string true "帖子ID"
// @Param request body commentRequest true "评论内容"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/community/posts/{post_id}/comments [post]
func (h *Handler) PostComment(c *gin.Context) {
	var req commentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	comment, err := h.community.PostComment(c.Request.Context(), c.Param("post_id"), middleware.ViewerID(c), req.Content, req.ParentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.NotFound(c, "post or parent comment not found")
			return
		}
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, comment)
}

// GetComments 评论树
// @Summary 评论树（孤儿提为根，保持时序）
// @Tags 社区
// @Param post_id path string true "帖子ID"
// @Success 200 {object} response.Response
// @Router /api/v1/community/posts/{post_id}/comments [get]
func (h *Handler) GetComments(c *gin.Context) {
	tree, err := h.community.GetCommentTree(c.Request.Context(), c.Param("post_id"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, tree)
}

// SetVisibility 帖子上下架
// @Summary 切换帖子可见性
// @Tags 社区
// @Accept json
// @Param post_id path string true "帖子ID"
// @Param request body visibilityRequest true "可见性"
// @Success 200 {object} response.Response
// @Router /api/v1/community/posts/{post_id}/visibility [put]
func (h *Handler) SetVisibility(c *gin.Context) {
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.community.SetPostVisibility(c.Request.Context(), c.Param("post_id"), *req.Visible); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.NotFound(c, "post not found")
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Success(c, nil)
}
