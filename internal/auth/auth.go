// Package auth 为只读 API 提供基于静态令牌的访问控制。未配置令牌时认证关闭。
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"AMessage-Chain/pkg/logger"
)

// 认证失败的原因。
var (
	ErrMissingToken = errors.New("缺少访问令牌")
	ErrInvalidToken = errors.New("访问令牌无效")
)

// Subject 是通过认证的调用方。
type Subject struct {
	Name string
}

type credential struct {
	name   string
	digest [sha256.Size]byte
}

// Service 校验 Authorization 头中的 Bearer 令牌。
type Service struct {
	credentials []credential
	audit       *slog.Logger
}

// NewService 解析令牌列表。每一项为 "名称:令牌" 或单独的令牌，后者以序号命名。
func NewService(tokens []string) (*Service, error) {
	svc := &Service{audit: logger.Audit()}
	for i, raw := range tokens {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		name, secret, found := strings.Cut(raw, ":")
		if !found {
			name, secret = fmt.Sprintf("token-%d", i+1), raw
		}
		name, secret = strings.TrimSpace(name), strings.TrimSpace(secret)
		if secret == "" {
			return nil, fmt.Errorf("令牌 %s 内容为空", name)
		}
		svc.credentials = append(svc.credentials, credential{name: name, digest: sha256.Sum256([]byte(secret))})
	}
	return svc, nil
}

// Enabled 表示是否配置了令牌。
func (s *Service) Enabled() bool {
	return s != nil && len(s.credentials) > 0
}

// Authenticate 校验 Authorization 头并返回调用方。
func (s *Service) Authenticate(header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))

	var matched *credential
	for i := range s.credentials {
		// 逐个比较全部条目，耗时与命中位置无关。
		if subtle.ConstantTimeCompare(digest[:], s.credentials[i].digest[:]) == 1 && matched == nil {
			matched = &s.credentials[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return &Subject{Name: matched.name}, nil
}
