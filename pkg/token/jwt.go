// Package token 校验身份提供方签发的 JSON Web Tokens (JWT)。
package token

import (
	"errors"
	"time"

	"advisor-go/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingSubject 表示 token 合法但没有携带用户 ID。
var ErrMissingSubject = errors.New("token has no user id")

// JWTManager 负责校验身份 token。本服务不签发登录 token，
// GenerateToken 只给测试和本地调试使用。
type JWTManager struct {
	secretKey []byte
	issuer    string
}

// IdentityClaims 是身份提供方放进 token 的用户信息。
type IdentityClaims struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"name"`
	Email       string `json:"email"`
	jwt.RegisteredClaims
}

// NewJWTManager 创建一个新的 JWTManager 实例。issuer 为空时不校验 iss。
func NewJWTManager(secret, issuer string) *JWTManager {
	return &JWTManager{secretKey: []byte(secret), issuer: issuer}
}

// GenerateToken 为给定身份签发一个 token。
func (m *JWTManager) GenerateToken(id model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := IdentityClaims{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Email:       id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// VerifyToken 验证给定的 token 字符串。
// 签名不匹配、已过期或签发方不对时返回错误。
func (m *JWTManager) VerifyToken(tokenString string) (*IdentityClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secretKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*IdentityClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// Identity 校验 token 并转换为 model.Identity。没有 userId 时退回 sub。
func (m *JWTManager) Identity(tokenString string) (model.Identity, error) {
	claims, err := m.VerifyToken(tokenString)
	if err != nil {
		return model.Identity{}, err
	}
	id := model.Identity{UserID: claims.UserID, DisplayName: claims.DisplayName, Email: claims.Email}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.UserID == "" {
		return model.Identity{}, ErrMissingSubject
	}
	return id, nil
}
