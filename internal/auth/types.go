package auth

import (
	"strings"

	xerrors "ProofChain/internal/errors"
)

// 权限名称。校验接口是公开的，不需要权限。
const (
	PermissionReceiptsWrite = "receipts:write"
	PermissionReceiptsRead  = "receipts:read"
)

// 认证相关的错误码。
const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "missing or unknown API key",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "API key lacks the required permission",
		Severity: xerrors.SeverityWarning,
	})
}

// Subject 是通过认证的调用方。
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return xerrors.New(CodeUnauthenticated, "缺少调用方身份")
	}
	if s.Disabled {
		return xerrors.New(CodePermissionDenied, "API key 已停用: "+s.Name)
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, "缺少权限 "+perm, xerrors.WithMetadata("subject", s.Name))
		}
	}
	return nil
}

// KeyConfig 描述一个 API key。只保存令牌的 SHA-256 摘要，明文令牌不落盘。
type KeyConfig struct {
	Name        string   `json:"name"`
	SHA256      string   `json:"sha256"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled,omitempty"`
}

// Config 控制认证服务。Enabled 为 false 时中间件直接放行。
type Config struct {
	Enabled bool        `json:"enabled" env:"ENABLED"`
	Keys    []KeyConfig `json:"keys"`
}
