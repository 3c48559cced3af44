package convo

import (
	"context"
	"fmt"

	"festa-bot/internal/phone"
)

// VIPSource lists an instance's bypass numbers.
type VIPSource interface {
	ListVipNumbers(ctx context.Context, instanceID string) ([]string, error)
}

// VIPFilter decides whether a sender is handled by humans only.
type VIPFilter struct {
	source VIPSource
}

// NewVIPFilter creates a VIPFilter.
func NewVIPFilter(source VIPSource) *VIPFilter {
	return &VIPFilter{source: source}
}

// IsVIP reports whether sender matches one of the instance's VIP numbers.
func (f *VIPFilter) IsVIP(ctx context.Context, instanceID, sender string) (bool, error) {
	if f == nil || f.source == nil {
		return false, nil
	}
	numbers, err := f.source.ListVipNumbers(ctx, instanceID)
	if err != nil {
		return false, fmt.Errorf("list vip numbers: %w", err)
	}
	for _, n := range numbers {
		if phone.Matches(n, sender) {
			return true, nil
		}
	}
	return false, nil
}
