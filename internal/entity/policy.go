package entity

import (
	"fmt"
	"sort"
)

// FallbackMode selects the platform fee used by the profit formula.
type FallbackMode string

const (
	// FallbackStrict uses the item-level service fee only.
	FallbackStrict FallbackMode = "strict"
	// FallbackWithCommission uses the item-level service fee when positive and the
	// order commission otherwise.
	FallbackWithCommission FallbackMode = "with_fallback"
)

// FallbackModes lists the supported modes.
var FallbackModes = []FallbackMode{FallbackWithCommission, FallbackStrict}

// ParseFallbackMode validates a mode name. There is no implicit default.
func ParseFallbackMode(s string) (FallbackMode, error) {
	switch FallbackMode(s) {
	case FallbackStrict, FallbackWithCommission:
		return FallbackMode(s), nil
	default:
		return "", fmt.Errorf("unknown fallback mode %q", s)
	}
}

// MarketingCostFormula names the set of order-level discount fields summed into the
// marketing cost. Versions are immutable once published.
type MarketingCostFormula struct {
	Version string
	Fields  []string
}

// MarketingCostFormulaV3_1 is the canonical marketing cost definition.
// delivery_fee_waiver counts toward delivery cost only.
var MarketingCostFormulaV3_1 = MarketingCostFormula{
	Version: "v3.1",
	Fields: []string{
		FieldFullReductionDiscount,
		FieldProductVoucher,
		FieldMerchantVoucher,
		FieldMerchantVoucherShare,
		FieldGiftDiscount,
		FieldOtherMerchantDiscount,
		FieldNewCustomerDiscount,
	},
}

var marketingFormulas = map[string]MarketingCostFormula{
	MarketingCostFormulaV3_1.Version: MarketingCostFormulaV3_1,
}

// MarketingFormulaByVersion resolves a published formula.
func MarketingFormulaByVersion(v string) (MarketingCostFormula, error) {
	f, ok := marketingFormulas[v]
	if !ok {
		return MarketingCostFormula{}, fmt.Errorf("unknown marketing cost formula %q", v)
	}
	return f, nil
}

// ChannelPolicy maps channel name to whether the channel charges commission.
// Channels missing from the table do not charge commission.
type ChannelPolicy map[string]bool

// ChargesCommission reports whether the channel charges commission.
func (p ChannelPolicy) ChargesCommission(channel string) bool {
	return p[channel]
}

// CommissionChannels returns the sorted names of commission-charging channels.
func (p ChannelPolicy) CommissionChannels() []string {
	out := make([]string, 0, len(p))
	for ch, charges := range p {
		if charges {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

// NewChannelPolicy builds a policy from the list of commission-charging channels.
func NewChannelPolicy(commission []string, free []string) ChannelPolicy {
	p := make(ChannelPolicy, len(commission)+len(free))
	for _, ch := range free {
		p[ch] = false
	}
	for _, ch := range commission {
		p[ch] = true
	}
	return p
}
