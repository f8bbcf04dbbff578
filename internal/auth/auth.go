package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Actor 发起后台操作的运维人员
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenParser 解析 HS256 签名的后台访问令牌
type TokenParser struct {
	secret []byte
	now    func() time.Time
}

func NewTokenParser(secret string) *TokenParser {
	return &TokenParser{secret: []byte(secret), now: time.Now}
}

func (p *TokenParser) Issue(actor Actor, ttl time.Duration) (string, error) {
	now := p.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(p.secret)
}

// ParseAuthorization 解析 "Bearer <token>" 头
func (p *TokenParser) ParseAuthorization(header string) (Actor, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Actor{}, ErrMissingToken
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return Actor{}, ErrMissingToken
	}
	return p.Parse(strings.TrimSpace(raw))
}

func (p *TokenParser) Parse(raw string) (Actor, error) {
	parsed := &claims{}
	_, err := jwt.ParseWithClaims(raw, parsed, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(p.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed.Subject == "" {
		return Actor{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return Actor{ID: parsed.Subject, Role: parsed.Role}, nil
}

// RoleAuthorizer 判断角色是否具备后台权限
type RoleAuthorizer struct {
	elevated map[string]struct{}
}

func NewRoleAuthorizer(roles []string) *RoleAuthorizer {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(strings.ToLower(r))
		if r != "" {
			set[r] = struct{}{}
		}
	}
	return &RoleAuthorizer{elevated: set}
}

func (a *RoleAuthorizer) RequireElevatedRole(actor Actor) bool {
	if actor.ID == "" {
		return false
	}
	_, ok := a.elevated[strings.ToLower(actor.Role)]
	return ok
}
