// Package auth 用 API key 保护提交与查询记录的接口。
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	xerrors "ProofChain/internal/errors"
)

// Service 负责 API key 的认证。
type Service struct {
	enabled bool
	// subjects 以令牌摘要的十六进制为键。
	subjects map[string]*Subject
}

// NewService 构造认证服务。
func NewService(cfg Config) (*Service, error) {
	s := &Service{enabled: cfg.Enabled, subjects: make(map[string]*Subject, len(cfg.Keys))}
	for _, key := range cfg.Keys {
		name := strings.TrimSpace(key.Name)
		if name == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "API key 缺少名称")
		}
		digest := strings.ToLower(strings.TrimSpace(key.SHA256))
		if raw, err := hex.DecodeString(digest); err != nil || len(raw) != sha256.Size {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "API key "+name+" 的 sha256 必须是 32 字节十六进制")
		}
		if _, dup := s.subjects[digest]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "API key "+name+" 与已有 key 重复")
		}
		subject := &Subject{Name: name, Permissions: append([]string(nil), key.Permissions...), Disabled: key.Disabled}
		subject.normalise()
		s.subjects[digest] = subject
	}
	if s.enabled && len(s.subjects) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "启用认证时至少需要配置一个 API key")
	}
	return s, nil
}

// Enabled reports whether requests must carry an API key.
func (s *Service) Enabled() bool { return s != nil && s.enabled }

// AuthenticateRequest 解析 Authorization 头中的 Bearer 令牌。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, xerrors.New(CodeUnauthenticated, "缺少 Bearer 令牌")
	}
	subject, ok := s.subjects[TokenDigest(strings.TrimSpace(parts[1]))]
	if !ok {
		return nil, xerrors.New(CodeUnauthenticated, "未知的 API key")
	}
	if subject.Disabled {
		return nil, xerrors.New(CodePermissionDenied, "API key 已停用: "+subject.Name)
	}
	return subject, nil
}

// TokenDigest 返回令牌的 SHA-256 十六进制摘要，用于生成配置。
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
