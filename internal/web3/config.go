package web3

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// AllowList models the trusted allow-list extension file. Extensions can add
// endpoint patterns and tighten limits; they can never loosen a built-in
// limit.
type AllowList struct {
	Networks map[string]AllowListEntry `yaml:"networks"`
}

// AllowListEntry extends a single network.
type AllowListEntry struct {
	Endpoints        []string `yaml:"endpoints"`
	MinConfirmations uint64   `yaml:"min_confirmations"`
	MaxFeeCeiling    uint64   `yaml:"max_fee_ceiling"`
}

// LoadAllowList parses the YAML allow-list extension. An empty path yields an
// empty list.
func LoadAllowList(path string) (AllowList, error) {
	if strings.TrimSpace(path) == "" {
		return AllowList{Networks: map[string]AllowListEntry{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return AllowList{}, fmt.Errorf("读取链白名单失败: %w", err)
	}
	return ParseAllowList(content)
}

// ParseAllowList decodes allow-list YAML.
func ParseAllowList(content []byte) (AllowList, error) {
	var list AllowList
	if err := yaml.Unmarshal(content, &list); err != nil {
		return AllowList{}, fmt.Errorf("解析链白名单失败: %w", err)
	}
	if list.Networks == nil {
		list.Networks = map[string]AllowListEntry{}
	}
	return list, nil
}

// apply merges the extension into policies. Unknown networks are rejected so
// a typo cannot silently create a new, unvalidated network.
func (l AllowList) apply(policies map[string]NetworkPolicy) error {
	for name, entry := range l.Networks {
		key := strings.ToLower(strings.TrimSpace(name))
		policy, ok := policies[key]
		if !ok {
			return fmt.Errorf("白名单引用了未知网络 %s", name)
		}
		policy = policy.clone()
		for _, pattern := range entry.Endpoints {
			pattern = strings.TrimSpace(pattern)
			if pattern == "" {
				continue
			}
			if !strings.HasPrefix(pattern, "^") || !strings.HasSuffix(pattern, "$") {
				return fmt.Errorf("网络 %s 的白名单规则必须锚定首尾: %s", name, pattern)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("网络 %s 的白名单规则非法: %w", name, err)
			}
			policy.Endpoints = append(policy.Endpoints, re)
		}
		if entry.MinConfirmations > policy.MinConfirmations {
			policy.MinConfirmations = entry.MinConfirmations
		}
		if entry.MaxFeeCeiling > 0 && entry.MaxFeeCeiling < policy.HardFeeCeiling {
			policy.HardFeeCeiling = entry.MaxFeeCeiling
		}
		policies[key] = policy
	}
	return nil
}
