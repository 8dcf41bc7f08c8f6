package models

import "slices"

type OptionData struct {
	LTP           float64 `json:"ltp"`
	OI            float64 `json:"oi"`
	Change        float64 `json:"change,omitempty"`
	ChangePercent float64 `json:"change_percent,omitempty"`
	IV            float64 `json:"iv,omitempty"`
	Volume        float64 `json:"volume,omitempty"`
	Bid           float64 `json:"bid,omitempty"`
	Ask           float64 `json:"ask,omitempty"`
}

// OptionChainRow carries both sides of one strike. Call and put quotes are
// sourced together upstream, so a row is always replaced as a whole.
type OptionChainRow struct {
	Strike float64    `json:"strike"`
	Call   OptionData `json:"call"`
	Put    OptionData `json:"put"`
	Expiry string     `json:"expiry"`
}

// OptionChain is a chain slice as it arrives on the wire. Rows may hold
// only the strikes that changed.
type OptionChain struct {
	Underlying  string           `json:"underlying"`
	ATM         float64          `json:"atm"`
	SpotPrice   float64          `json:"spot_price"`
	Expiry      string           `json:"expiry,omitempty"`
	Expiries    []string         `json:"expiries,omitempty"`
	Rows        []OptionChainRow `json:"rows"`
	LastUpdated int64            `json:"last_updated"`
}

// SliceExpiry is the expiry the slice belongs to: the explicit field when
// present, otherwise the first row's expiry.
func (c OptionChain) SliceExpiry() string {
	if c.Expiry != "" {
		return c.Expiry
	}
	if len(c.Rows) > 0 {
		return c.Rows[0].Expiry
	}
	return ""
}

func (c OptionChain) Clone() OptionChain {
	out := c
	out.Expiries = slices.Clone(c.Expiries)
	out.Rows = slices.Clone(c.Rows)
	return out
}
