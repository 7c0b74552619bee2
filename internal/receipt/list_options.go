package receipt

import (
	"strings"
	"time"

	"ProofChain/internal/tier"
)

// SortOrder defines how results should be ordered when listing records.
type SortOrder int

const (
	// SortByUpdatedDesc orders records by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders records by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	// maxScanLimit bounds internal scans such as the confirmation poller.
	maxScanLimit = 1000
)

// ListOptions controls how records are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	States     []State
	Network    string
	Tier       tier.Tier
	UpdatedGTE int64
	UpdatedLTE int64
	Order      SortOrder
	// scan lifts the public page size cap for internal callers.
	scan bool
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	limit := maxListLimit
	if opts.scan {
		limit = maxScanLimit
	}
	if opts.Limit > limit {
		opts.Limit = limit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.States != nil {
		opts.States = normalizeStates(opts.States)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Network = strings.ToLower(strings.TrimSpace(opts.Network))
	if !opts.Tier.Valid() {
		opts.Tier = ""
	}
}

// Normalized returns a copy with defaults applied. Store implementations
// outside this package call it before building queries.
func (opts ListOptions) Normalized() ListOptions {
	opts.applyDefaults()
	return opts
}

// Matches reports whether rec satisfies the filters (not the paging).
func (opts ListOptions) Matches(rec *Record) bool {
	if len(opts.States) > 0 {
		matched := false
		for _, state := range opts.States {
			if rec.State == state {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Network != "" && rec.Network != opts.Network {
		return false
	}
	if opts.Tier != "" && rec.Tier != opts.Tier {
		return false
	}
	if opts.UpdatedGTE > 0 && rec.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && rec.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of records returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching records before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStates filters records by the provided states.
func WithStates(states ...State) ListOption {
	return func(opts *ListOptions) {
		opts.States = append(opts.States[:0], states...)
	}
}

// WithNetwork filters records committed to one network.
func WithNetwork(network string) ListOption {
	return func(opts *ListOptions) {
		opts.Network = network
	}
}

// WithTier filters records by classification tier.
func WithTier(t tier.Tier) ListOption {
	return func(opts *ListOptions) {
		opts.Tier = t
	}
}

// WithUpdatedSince filters records updated after the provided instant (inclusive).
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil filters records updated before the provided instant (inclusive).
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithSortOrder changes the returned order of records.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func scanOptions(opts ...ListOption) ListOptions {
	options := ListOptions{scan: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStates(input []State) []State {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[State]struct{}, len(input))
	result := make([]State, 0, len(input))
	for _, state := range input {
		if !IsValidState(state) {
			continue
		}
		if _, ok := seen[state]; ok {
			continue
		}
		seen[state] = struct{}{}
		result = append(result, state)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
