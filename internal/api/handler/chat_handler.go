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

type startConversationRequest struct {
	OtherUserID string `json:"other_user_id" binding:"required"`
}

type sendMessageRequest struct {
	Content          string  `json:"content"`
	ReferencedPostID *string `json:"referenced_post_id"`
}

type reactionRequest struct {
	Emoji string `json:"emoji" binding:"required,emojikey"`
}

type sharePostRequest struct {
	OtherUserID string `json:"other_user_id" binding:"required"`
	PostID      string `json:"post_id" binding:"required"`
}

// StartConversation 建会（按成员对幂等）
// @Summary 发起一对一会话
// @Tags 会话
// @Accept json
// @Param request body startConversationRequest true "对端用户"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/chat/conversations [post]
func (h *Handler) StartConversation(c *gin.Context) {
	var req startConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	conv, err := h.chat.StartConversation(c.Request.Context(), middleware.ViewerID(c), req.OtherUserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.NotFound(c, "user not found")
			return
		}
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, conv)
}

// ListConversations 会话列表
// @Summary 会话列表（按最近活跃倒序，带对端在线状态）
// @Tags 会话
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/chat/conversations [get]
func (h *Handler) ListConversations(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	list, err := h.chat.ListConversations(c.Request.Context(), middleware.ViewerID(c), (page-1)*pageSize, pageSize)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"page": page, "page_size": pageSize, "list": list})
}

// ListMessages 会话消息
// @Summary 会话消息（升序，带回应计数与转发帖投影）
// @Tags 会话
// @Param conversation_id path string true "会话ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/chat/conversations/{conversation_id}/messages [get]
func (h *Handler) ListMessages(c *gin.Context) {
	items, err := h.chat.LoadConversation(c.Request.Context(), middleware.ViewerID(c), c.Param("conversation_id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.NotFound(c, "conversation not found")
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Success(c, items)
}

// SendMessage 发消息
// @Summary 发消息（referenced_post_id 非空即转发帖子）
// @Tags 会话
// @Accept json
// @Param conversation_id path string true "会话ID"
// @Param request body sendMessageRequest true "消息内容"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/chat/conversations/{conversation_id}/messages [post]
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	msg, err := h.chat.SendMessage(c.Request.Context(), c.Param("conversation_id"), middleware.ViewerID(c), req.Content, req.ReferencedPostID)
	if err != nil {
		if errors.Is(err, service.ErrNotParticipant) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, msg)
}

// SharePost 转发帖子到私聊
// @Summary 把帖子分享给某个用户（无会话则建会）
// @Tags 会话
// @Accept json
// @Param request body sharePostRequest true "分享目标"
// @Success 200 {object} response.Response
// @Router /api/v1/chat/share [post]
func (h *Handler) SharePost(c *gin.Context) {
	var req sharePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	msg, err := h.chat.SharePost(c.Request.Context(), middleware.ViewerID(c), req.OtherUserID, req.PostID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.NotFound(c, "user or post not found")
			return
		}
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, msg)
}

// ToggleReaction 消息回应 toggle
// @Summary 回应 toggle（撞唯一约束即取消）
// @Tags 会话
// @Accept json
// @Param message_id path string true "消息ID"
// @Param request body reactionRequest true "回应表情"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/chat/messages/{message_id}/reactions [post]
func (h *Handler) ToggleReaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	reacted, err := h.chat.ToggleReaction(c.Request.Context(), c.Param("message_id"), middleware.ViewerID(c), req.Emoji)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"reacted": reacted})
}

// MarkRead 已读回执
// @Summary 把对端未读消息置已读
// @Tags 会话
// @Param conversation_id path string true "会话ID"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/chat/conversations/{conversation_id}/read [post]
func (h *Handler) MarkRead(c *gin.Context) {
	ids, err := h.chat.MarkRead(c.Request.Context(), c.Param("conversation_id"), middleware.ViewerID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"updated": ids})
}

// UserOnline 在线状态
// @Summary 查询用户是否在线（心跳新鲜度窗口内）
// @Tags 会话
// @Param user_id path string true "用户ID"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/chat/users/{user_id}/online [get]
func (h *Handler) UserOnline(c *gin.Context) {
	response.Success(c, gin.H{"online": h.chat.IsUserOnline(c.Param("user_id"))})
}

// SearchUsers 用户搜索
// @Summary 按显示名模糊搜索用户（排除自己）
// @Tags 会话
// @Param q query string true "搜索词"
// @Success 200 {object} response.Response
// @Router /api/v1/chat/users/search [get]
func (h *Handler) SearchUsers(c *gin.Context) {
	users, err := h.chat.SearchUsers(c.Request.Context(), middleware.ViewerID(c), c.Query("q"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, users)
}
