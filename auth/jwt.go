package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims 令牌载荷，sub 为用户 ID
type Claims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator 校验 HS256 签名的 bearer token
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (a *JWTAuthenticator) Authenticate(token string) (*Session, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Session{UserID: claims.Subject, Name: claims.Name, Role: claims.Role}, nil
}

// Issue 签发令牌，供本地开发和压测工具使用
func (a *JWTAuthenticator) Issue(s Session, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: s.Name,
		Role: s.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
