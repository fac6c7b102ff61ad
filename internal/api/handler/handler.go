package handler

import (
	"github.com/d60-Lab/community-realtime/internal/service"
)

// Handler 聚合全部 HTTP 入口依赖
type Handler struct {
	community *service.CommunityService
	chat      *service.ChatService
}

func New(community *service.CommunityService, chat *service.ChatService) *Handler {
	return &Handler{community: community, chat: chat}
}
