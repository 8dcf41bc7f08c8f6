package models

import (
	"maps"
	"slices"
)

type Position struct {
	Symbol            string  `json:"symbol"`
	Exchange          string  `json:"exchange"`
	Product           Product `json:"product"`
	Quantity          float64 `json:"quantity"`
	OvernightQuantity float64 `json:"overnight_quantity"`
	DayQuantity       float64 `json:"day_quantity"`
	AveragePrice      float64 `json:"average_price"`
	LastPrice         float64 `json:"last_price"`
	PnL               float64 `json:"pnl"`
	UnrealizedPnL     float64 `json:"unrealized_pnl"`
	RealizedPnL       float64 `json:"realized_pnl"`
	Value             float64 `json:"value"`
	BuyQuantity       float64 `json:"buy_quantity"`
	BuyPrice          float64 `json:"buy_price"`
	BuyValue          float64 `json:"buy_value"`
	SellQuantity      float64 `json:"sell_quantity"`
	SellPrice         float64 `json:"sell_price"`
	SellValue         float64 `json:"sell_value"`
}

type Margin struct {
	Equity    EquityMargin   `json:"equity"`
	Commodity *SegmentMargin `json:"commodity,omitempty"`
}

type EquityMargin struct {
	Enabled   bool            `json:"enabled"`
	Net       float64         `json:"net"`
	Available EquityAvailable `json:"available"`
	Utilized  EquityUtilized  `json:"utilized"`
}

type EquityAvailable struct {
	AdhocMargin    float64 `json:"adhoc_margin"`
	Cash           float64 `json:"cash"`
	OpeningBalance float64 `json:"opening_balance"`
	LiveBalance    float64 `json:"live_balance"`
	Collateral     float64 `json:"collateral"`
	IntradayPayin  float64 `json:"intraday_payin"`
}

type EquityUtilized struct {
	Debits           float64 `json:"debits"`
	Exposure         float64 `json:"exposure"`
	M2MRealised      float64 `json:"m2m_realised"`
	M2MUnrealised    float64 `json:"m2m_unrealised"`
	OptionPremium    float64 `json:"option_premium"`
	Payout           float64 `json:"payout"`
	Span             float64 `json:"span"`
	HoldingSales     float64 `json:"holding_sales"`
	Turnover         float64 `json:"turnover"`
	LiquidCollateral float64 `json:"liquid_collateral"`
	StockCollateral  float64 `json:"stock_collateral"`
}

type SegmentMargin struct {
	Enabled   bool               `json:"enabled"`
	Net       float64            `json:"net"`
	Available map[string]float64 `json:"available"`
	Utilized  map[string]float64 `json:"utilized"`
}

func (m Margin) Clone() Margin {
	out := m
	if m.Commodity != nil {
		c := *m.Commodity
		c.Available = maps.Clone(m.Commodity.Available)
		c.Utilized = maps.Clone(m.Commodity.Utilized)
		out.Commodity = &c
	}
	return out
}

// AccountProfile is the static part of the broker account.
type AccountProfile struct {
	UserID        string   `json:"user_id"`
	UserName      string   `json:"user_name"`
	UserShortname string   `json:"user_shortname,omitempty"`
	Email         string   `json:"email,omitempty"`
	UserType      string   `json:"user_type,omitempty"`
	Broker        string   `json:"broker,omitempty"`
	Exchanges     []string `json:"exchanges,omitempty"`
	Products      []string `json:"products,omitempty"`
	OrderTypes    []string `json:"order_types,omitempty"`
}

func (p AccountProfile) Clone() AccountProfile {
	out := p
	out.Exchanges = slices.Clone(p.Exchanges)
	out.Products = slices.Clone(p.Products)
	out.OrderTypes = slices.Clone(p.OrderTypes)
	return out
}

// AccountUpdate is the payload of an account message. Positions is nil
// when the message carried no position list; Profile is nil when absent.
type AccountUpdate struct {
	Margin    Margin          `json:"margin"`
	Positions []Position      `json:"positions,omitempty"`
	Profile   *AccountProfile `json:"account,omitempty"`
}
