package auth

import (
	"context"
	"errors"
)

// Session 单次请求的调用方身份，由中间件解析后显式传给服务层
type Session struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
}

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Authenticator 由外部身份服务签发的令牌校验器
type Authenticator interface {
	Authenticate(token string) (*Session, error)
}

type ctxKey struct{}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext 未登录时返回 nil
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}

// Valid 会话存在且带有用户 ID
func (s *Session) Valid() bool {
	return s != nil && s.UserID != ""
}
