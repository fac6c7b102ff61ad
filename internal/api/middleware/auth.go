package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	jw "github.com/golang-jwt/jwt/v5"

	"github.com/d60-Lab/community-realtime/pkg/response"
)

const viewerKey = "viewer_id"

// Auth 从 Bearer token 解析 viewer 身份写入上下文
func Auth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			response.Unauthorized(c, "missing bearer token")
			c.Abort()
			return
		}
		uid, err := parseToken(strings.TrimPrefix(h, "Bearer "), key)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}
		c.Set(viewerKey, uid)
		c.Next()
	}
}

// ViewerID 取当前请求的 viewer；只在 Auth 之后的链路里可用
func ViewerID(c *gin.Context) string {
	return c.GetString(viewerKey)
}

func parseToken(tok string, key []byte) (string, error) {
	t, err := jw.Parse(tok, func(t *jw.Token) (any, error) {
		if _, ok := t.Method.(*jw.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	})
	if err != nil || !t.Valid {
		return "", errors.New("invalid token")
	}
	mc, ok := t.Claims.(jw.MapClaims)
	if !ok {
		return "", errors.New("bad claims")
	}
	uid, _ := mc["sub"].(string)
	if uid == "" {
		return "", errors.New("missing subject")
	}
	return uid, nil
}
