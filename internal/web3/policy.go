package web3

import (
	"regexp"
	"sort"
	"strings"
)

// NetworkPolicy holds the limits the validator enforces for one network.
// Fee ceilings are expressed in the network's smallest unit (satoshi, wei).
type NetworkPolicy struct {
	Name             string
	Family           Family
	MinConfirmations uint64
	HardFeeCeiling   uint64
	FeeUnit          string
	// DevOnly networks are accepted only by a non-production validator.
	DevOnly   bool
	Endpoints []*regexp.Regexp
}

// Allowed reports whether endpoint matches one of the allow-list patterns.
func (p NetworkPolicy) Allowed(endpoint string) bool {
	for _, re := range p.Endpoints {
		if re.MatchString(endpoint) {
			return true
		}
	}
	return false
}

func (p NetworkPolicy) clone() NetworkPolicy {
	p.Endpoints = append([]*regexp.Regexp(nil), p.Endpoints...)
	return p
}

const (
	satoshi = 1
	wei     = 1
	ether   = 1_000_000_000_000_000_000 * wei
)

// hostPattern matches TLS endpoints on the given hosts or any of their
// subdomains, with an optional port and path.
func hostPattern(hosts ...string) *regexp.Regexp {
	quoted := make([]string, len(hosts))
	for i, h := range hosts {
		quoted[i] = regexp.QuoteMeta(h)
	}
	return regexp.MustCompile(`^(https|wss)://([a-z0-9-]+\.)*(` + strings.Join(quoted, "|") + `)(:[0-9]{1,5})?(/[^\s]*)?$`)
}

func builtinPolicies() map[string]NetworkPolicy {
	policies := []NetworkPolicy{
		{
			Name:             "bitcoin",
			Family:           FamilyUTXO,
			MinConfirmations: 6,
			HardFeeCeiling:   200_000 * satoshi,
			FeeUnit:          "sat",
			Endpoints:        []*regexp.Regexp{hostPattern("quiknode.pro", "getblock.io", "blockdaemon.com")},
		},
		{
			Name:             "bitcoin-testnet",
			Family:           FamilyUTXO,
			MinConfirmations: 3,
			HardFeeCeiling:   200_000 * satoshi,
			FeeUnit:          "sat",
			Endpoints:        []*regexp.Regexp{hostPattern("quiknode.pro", "getblock.io")},
		},
		{
			Name:             "bitcoin-regtest",
			Family:           FamilyUTXO,
			MinConfirmations: 1,
			HardFeeCeiling:   10_000_000 * satoshi,
			FeeUnit:          "sat",
			DevOnly:          true,
		},
		{
			Name:             "ethereum",
			Family:           FamilyAccount,
			MinConfirmations: 12,
			HardFeeCeiling:   ether / 20,
			FeeUnit:          "wei",
			Endpoints: []*regexp.Regexp{
				hostPattern("mainnet.infura.io", "eth-mainnet.g.alchemy.com", "cloudflare-eth.com", "quiknode.pro"),
			},
		},
		{
			Name:             "sepolia",
			Family:           FamilyAccount,
			MinConfirmations: 6,
			HardFeeCeiling:   ether / 20,
			FeeUnit:          "wei",
			Endpoints: []*regexp.Regexp{
				hostPattern("sepolia.infura.io", "eth-sepolia.g.alchemy.com", "rpc.sepolia.org"),
			},
		},
		{
			Name:             "polygon",
			Family:           FamilyAccount,
			MinConfirmations: 128,
			HardFeeCeiling:   10 * ether,
			FeeUnit:          "wei",
			Endpoints: []*regexp.Regexp{
				hostPattern("polygon-rpc.com", "polygon-mainnet.infura.io", "polygon-mainnet.g.alchemy.com"),
			},
		},
		{
			Name:             "bsc",
			Family:           FamilyAccount,
			MinConfirmations: 15,
			HardFeeCeiling:   ether / 20,
			FeeUnit:          "wei",
			Endpoints: []*regexp.Regexp{
				hostPattern("binance.org", "bnbchain.org"),
			},
		},
		{
			Name:             "ethereum-dev",
			Family:           FamilyAccount,
			MinConfirmations: 1,
			HardFeeCeiling:   ether,
			FeeUnit:          "wei",
			DevOnly:          true,
		},
	}
	out := make(map[string]NetworkPolicy, len(policies))
	for _, p := range policies {
		out[p.Name] = p
	}
	return out
}

// BuiltinNetworks lists the networks known without any extension file.
func BuiltinNetworks() []string {
	policies := builtinPolicies()
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
