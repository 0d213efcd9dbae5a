// Package market defines the electricity market primitives shared by all
// components: the product set, hour-of-day handling, timezone arithmetic
// and the validation result type.
package market

import "fmt"

// Product identifies one of the six forecasted market products.
type Product string

const (
	DALMP   Product = "DALMP"
	RTLMP   Product = "RTLMP"
	RegUp   Product = "RegUp"
	RegDown Product = "RegDown"
	RRS     Product = "RRS"
	NSRS    Product = "NSRS"
)

// Products lists every product in the canonical write order. Store writes
// and product fan-outs iterate this slice so index entries always appear
// in the same sequence.
var Products = []Product{DALMP, RTLMP, RegUp, RegDown, RRS, NSRS}

// adjustmentFactors scale uncertainty per product. Energy products are more
// volatile than ancillary reserves.
var adjustmentFactors = map[Product]float64{
	DALMP:   1.0,
	RTLMP:   1.2,
	RegUp:   0.8,
	RegDown: 0.8,
	RRS:     0.7,
	NSRS:    0.7,
}

// defaultPrices are the constant-value fallback prices used when no prior
// artifact exists (cold start).
var defaultPrices = map[Product]float64{
	DALMP:   30,
	RTLMP:   35,
	RegUp:   10,
	RegDown: 7,
	RRS:     8,
	NSRS:    5,
}

// fixedStdDevs back the fixed_value uncertainty method.
var fixedStdDevs = map[Product]float64{
	DALMP:   5,
	RTLMP:   8,
	RegUp:   3,
	RegDown: 3,
	RRS:     2.5,
	NSRS:    2,
}

// ParseProduct converts a string to a Product, failing with a message that
// names the full valid set.
func ParseProduct(s string) (Product, error) {
	p := Product(s)
	if _, ok := adjustmentFactors[p]; !ok {
		return "", fmt.Errorf("invalid product %q: not one of {DALMP, RTLMP, RegUp, RegDown, RRS, NSRS}", s)
	}
	return p, nil
}

// IsValid reports whether p belongs to the closed product set.
func (p Product) IsValid() bool {
	_, ok := adjustmentFactors[p]
	return ok
}

// IsAncillary reports whether p is an ancillary service product. Ancillary
// prices are clamped to be non-negative.
func (p Product) IsAncillary() bool {
	switch p {
	case RegUp, RegDown, RRS, NSRS:
		return true
	}
	return false
}

// AdjustmentFactor returns the uncertainty scaling factor for p.
// Unknown products get 1.0.
func (p Product) AdjustmentFactor() float64 {
	if f, ok := adjustmentFactors[p]; ok {
		return f
	}
	return 1.0
}

// DefaultPrice returns the constant fallback price for p.
func (p Product) DefaultPrice() float64 {
	if v, ok := defaultPrices[p]; ok {
		return v
	}
	return 0
}

// FixedStdDev returns the per-product constant standard deviation used by
// the fixed_value uncertainty method.
func (p Product) FixedStdDev() float64 {
	if v, ok := fixedStdDevs[p]; ok {
		return v
	}
	return 1.0
}

// String implements fmt.Stringer.
func (p Product) String() string {
	return string(p)
}

// ValidateHour checks that h is a valid hour of day.
func ValidateHour(h int) error {
	if h < 0 || h > 23 {
		return fmt.Errorf("invalid hour %d: must be in [0, 23]", h)
	}
	return nil
}

// ModelKey builds the canonical "<product>_<hour>" key used by the model
// registry and the historical residual maps.
func ModelKey(p Product, hour int) string {
	return fmt.Sprintf("%s_%d", p, hour)
}
