package entity

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Canonical monetary field names. Lines carry them in Amounts, keyed by these names.
const (
	FieldDeliveryFee           = "delivery_fee"
	FieldPlatformCommission    = "platform_commission"
	FieldPlatformServiceFee    = "platform_service_fee"
	FieldUserPaidDeliveryFee   = "user_paid_delivery_fee"
	FieldDeliveryFeeWaiver     = "delivery_fee_waiver"
	FieldFullReductionDiscount = "full_reduction_discount"
	FieldProductVoucher        = "product_voucher"
	FieldMerchantVoucher       = "merchant_voucher"
	FieldMerchantVoucherShare  = "merchant_voucher_share"
	FieldGiftDiscount          = "gift_discount"
	FieldOtherMerchantDiscount = "other_merchant_discount"
	FieldNewCustomerDiscount   = "new_customer_discount"
	FieldCorporateRebate       = "corporate_rebate"

	FieldProfitAmount           = "profit_amount"
	FieldPlatformServiceFeeItem = "platform_service_fee_item"
)

// FieldLevel tells the aggregator how a monetary field collapses across the lines of one order.
type FieldLevel int

const (
	// OrderLevel fields are repeated on every line of an order and count once.
	OrderLevel FieldLevel = iota + 1
	// ItemLevel fields vary per line and are summed.
	ItemLevel
)

func (l FieldLevel) String() string {
	switch l {
	case OrderLevel:
		return "order"
	case ItemLevel:
		return "item"
	default:
		return "unknown"
	}
}

// FieldSpec is one row of the field metadata table.
type FieldSpec struct {
	Name    string
	Level   FieldLevel
	Aliases []string
}

// Amounts holds monetary values by canonical field name. Missing names read as zero.
type Amounts map[string]decimal.Decimal

// Get returns the value of the field or zero.
func (a Amounts) Get(name string) decimal.Decimal {
	return a[name]
}

// OrderLine is one normalized row of raw input.
type OrderLine struct {
	OrderID   string          `json:"order_id" valid:"required"`
	StoreID   string          `json:"store_id" valid:"required"`
	Channel   string          `json:"channel" valid:"required"`
	Timestamp time.Time       `json:"timestamp"`
	ProductID string          `json:"product_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Amounts   Amounts         `json:"amounts"`
}

// UnmarshalJSON decodes a line, reading a missing quantity as 1 like the record
// normalizer does.
func (l *OrderLine) UnmarshalJSON(b []byte) error {
	type plain OrderLine
	p := plain{Quantity: decimal.NewFromInt(1)}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*l = OrderLine(p)
	return nil
}

// Revenue is unit price times quantity.
func (l *OrderLine) Revenue() decimal.Decimal {
	return l.UnitPrice.Mul(l.Quantity)
}

// Cost is unit cost times quantity.
func (l *OrderLine) Cost() decimal.Decimal {
	return l.UnitCost.Mul(l.Quantity)
}

// Order is the aggregated, immutable view of all lines sharing one order id.
//
// The first block of fields does not depend on the fallback mode and is what the
// stores persist. Mode, PlatformFeeEffective and ActualProfit are filled by
// aggregate.Derive for a concrete FallbackMode.
type Order struct {
	OrderID          string    `json:"order_id"`
	StoreID          string    `json:"store_id"`
	Channel          string    `json:"channel"`
	Date             time.Time `json:"date"`
	LineCount        int       `json:"line_count"`
	MarketingFormula string    `json:"marketing_formula"`

	GrossRevenue       decimal.Decimal `json:"gross_revenue"`
	ItemCostTotal      decimal.Decimal `json:"item_cost_total"`
	MarketingCostTotal decimal.Decimal `json:"marketing_cost_total"`
	DeliveryNetCost    decimal.Decimal `json:"delivery_net_cost"`
	DeliveryFee        decimal.Decimal `json:"delivery_fee"`
	CorporateRebate    decimal.Decimal `json:"corporate_rebate"`
	ProfitAmountSum    decimal.Decimal `json:"profit_amount_sum"`
	ServiceFeeItemSum  decimal.Decimal `json:"platform_service_fee_item_sum"`
	PlatformCommission decimal.Decimal `json:"platform_commission"`

	// Fields holds every registered field collapsed to its order value.
	// Stores do not persist it; it is nil on orders read back from a store.
	Fields Amounts `json:"fields,omitempty"`

	Mode                 FallbackMode    `json:"fallback_mode,omitempty"`
	PlatformFeeEffective decimal.Decimal `json:"platform_fee_effective"`
	ActualProfit         decimal.Decimal `json:"actual_profit"`
}

// DateKey returns the order date as YYYY-MM-DD.
func (o *Order) DateKey() string {
	return o.Date.Format(DateLayout)
}

// DateLayout is the layout of calendar dates across stores and files.
const DateLayout = "2006-01-02"

// Day truncates t to its calendar date, expressed as midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses YYYY-MM-DD into a midnight UTC time.
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}
