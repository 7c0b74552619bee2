package web3

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	xerrors "ProofChain/internal/errors"
)

// ValidatorOption customises a Validator.
type ValidatorOption func(*validatorOptions)

type validatorOptions struct {
	nonProduction bool
	allowList     AllowList
}

// WithNonProduction accepts loopback endpoints and dev-only networks.
func WithNonProduction() ValidatorOption {
	return func(o *validatorOptions) {
		o.nonProduction = true
	}
}

// WithAllowList applies a trusted allow-list extension.
func WithAllowList(list AllowList) ValidatorOption {
	return func(o *validatorOptions) {
		o.allowList = list
	}
}

// Validator is the single choke point turning ChainCandidate values into
// ChainConfig. It never coerces a failing field to a safe default.
type Validator struct {
	policies      map[string]NetworkPolicy
	nonProduction bool
}

// NewValidator builds a validator from the built-in policy table.
func NewValidator(opts ...ValidatorOption) (*Validator, error) {
	var o validatorOptions
	for _, opt := range opts {
		opt(&o)
	}
	policies := builtinPolicies()
	if err := o.allowList.apply(policies); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载链白名单失败")
	}
	return &Validator{policies: policies, nonProduction: o.nonProduction}, nil
}

// NonProduction reports whether the validator accepts dev endpoints.
func (v *Validator) NonProduction() bool { return v.nonProduction }

// Policy returns the effective policy of network.
func (v *Validator) Policy(network string) (NetworkPolicy, bool) {
	p, ok := v.policies[normalizeNetwork(network)]
	if !ok {
		return NetworkPolicy{}, false
	}
	return p.clone(), true
}

// Networks lists the networks this validator accepts, sorted.
func (v *Validator) Networks() []string {
	names := make([]string, 0, len(v.policies))
	for name, p := range v.policies {
		if p.DevOnly && !v.nonProduction {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every field of c and returns an immutable ChainConfig.
func (v *Validator) Validate(c ChainCandidate) (ChainConfig, error) {
	network := normalizeNetwork(c.Network)
	policy, ok := v.policies[network]
	if !ok {
		return ChainConfig{}, xerrors.New(CodeUnsupportedNetwork,
			fmt.Sprintf("不支持的网络: %q", c.Network),
			xerrors.WithMetadata("network", c.Network))
	}

	if policy.DevOnly && !v.nonProduction {
		return ChainConfig{}, xerrors.New(CodeEndpointNotAllowed,
			fmt.Sprintf("网络 %s 仅允许在非生产环境使用", network),
			xerrors.WithMetadata("network", network))
	}

	endpoint := strings.TrimSpace(c.Endpoint)
	if err := v.checkEndpoint(policy, endpoint); err != nil {
		return ChainConfig{}, err
	}

	if c.MaxFeeCeiling == 0 {
		return ChainConfig{}, xerrors.New(CodeFeeCeilingExceeded,
			fmt.Sprintf("网络 %s 必须显式设置手续费上限", network),
			xerrors.WithMetadata("network", network))
	}
	if c.MaxFeeCeiling > policy.HardFeeCeiling {
		return ChainConfig{}, xerrors.New(CodeFeeCeilingExceeded,
			fmt.Sprintf("手续费上限 %d %s 超过网络 %s 的硬上限 %d", c.MaxFeeCeiling, policy.FeeUnit, network, policy.HardFeeCeiling),
			xerrors.WithMetadata("network", network),
			xerrors.WithMetadata("hard_ceiling", strconv.FormatUint(policy.HardFeeCeiling, 10)))
	}

	confirmations := c.RequiredConfirmations
	if confirmations == 0 {
		confirmations = policy.MinConfirmations
	}
	if confirmations < policy.MinConfirmations {
		return ChainConfig{}, xerrors.New(CodeConfirmationsTooLow,
			fmt.Sprintf("网络 %s 至少需要 %d 个确认，请求为 %d", network, policy.MinConfirmations, c.RequiredConfirmations),
			xerrors.WithMetadata("network", network),
			xerrors.WithMetadata("min_confirmations", strconv.FormatUint(policy.MinConfirmations, 10)))
	}

	return ChainConfig{
		network:       network,
		family:        policy.Family,
		endpoint:      endpoint,
		maxFee:        c.MaxFeeCeiling,
		confirmations: confirmations,
		nonProduction: v.nonProduction,
		validated:     true,
	}, nil
}

func (v *Validator) checkEndpoint(policy NetworkPolicy, endpoint string) error {
	reject := func(reason string) error {
		return xerrors.New(CodeEndpointNotAllowed,
			fmt.Sprintf("网络 %s 的端点 %s 不被允许: %s", policy.Name, RedactEndpoint(endpoint), reason),
			xerrors.WithMetadata("network", policy.Name))
	}

	if endpoint == "" {
		return reject("端点为空")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return reject("无法解析")
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return reject("协议必须是 http/https/ws/wss")
	}
	host := u.Hostname()
	if host == "" {
		return reject("缺少主机名")
	}

	if isLocalHost(host) {
		if !v.nonProduction {
			return reject("生产环境禁止使用本地地址")
		}
		return nil
	}
	if policy.DevOnly {
		return reject("开发网络只允许本地端点")
	}
	if !policy.Allowed(endpoint) {
		return reject("不在白名单内")
	}
	return nil
}

func isLocalHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

func normalizeNetwork(network string) string {
	return strings.ToLower(strings.TrimSpace(network))
}
