// Package tier decides how much of a commitment is exposed on-chain. Open
// commitments carry the payload, Restricted ones carry the hash plus
// encrypted metadata, and Sealed ones carry the digest bytes and nothing else.
package tier

import (
	"fmt"
	"strings"

	xerrors "ProofChain/internal/errors"
)

// Tier is the classification of a compiled digest.
type Tier string

const (
	Open       Tier = "open"
	Restricted Tier = "restricted"
	Sealed     Tier = "sealed"
)

const (
	CodeInvalidTier        xerrors.Code = "INVALID_TIER"
	CodeSealedViolation    xerrors.Code = "SEALED_TIER_VIOLATION"
	CodeKeyMissing         xerrors.Code = "TIER_KEY_MISSING"
	CodeEnvelopeUnreadable xerrors.Code = "ENVELOPE_UNREADABLE"
)

func init() {
	xerrors.Register(CodeInvalidTier, xerrors.Attributes{
		Message:  "unknown classification tier",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSealedViolation, xerrors.Attributes{
		Message:  "sealed commitment would expose more than the digest",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeKeyMissing, xerrors.Attributes{
		Message:  "restricted tier key not configured",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeEnvelopeUnreadable, xerrors.Attributes{
		Message:  "on-chain envelope cannot be read",
		Severity: xerrors.SeverityWarning,
	})
}

// Parse validates a tier name.
func Parse(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", xerrors.New(CodeInvalidTier, fmt.Sprintf("未知的数据等级: %q", s))
	}
	return t, nil
}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	switch t {
	case Open, Restricted, Sealed:
		return true
	}
	return false
}

func (t Tier) String() string { return string(t) }
