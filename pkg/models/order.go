package models

type Order struct {
	ID                string      `json:"id"`
	Symbol            string      `json:"symbol"`
	Side              OrderSide   `json:"side"`
	Quantity          float64     `json:"quantity"`
	Price             float64     `json:"price"`
	TriggerPrice      *float64    `json:"trigger_price,omitempty"`
	Type              OrderType   `json:"order_type"`
	Product           Product     `json:"product"`
	Status            OrderStatus `json:"status"`
	FilledQuantity    float64     `json:"filled_quantity"`
	AveragePrice      float64     `json:"average_price"`
	PendingQuantity   float64     `json:"pending_quantity"`
	CancelledQuantity float64     `json:"cancelled_quantity"`
	Timestamp         string      `json:"timestamp"`
	OrderTimestamp    string      `json:"order_timestamp"`
	ExchangeTimestamp string      `json:"exchange_timestamp,omitempty"`
	Tag               string      `json:"tag,omitempty"`
	ParentOrderID     string      `json:"parent_order_id,omitempty"`
}

func (o Order) Clone() Order {
	out := o
	if o.TriggerPrice != nil {
		v := *o.TriggerPrice
		out.TriggerPrice = &v
	}
	return out
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStop       OrderType = "SL"
	OrderTypeStopMarket OrderType = "SL-M"
)

type Product string

const (
	ProductMIS  Product = "MIS"
	ProductCNC  Product = "CNC"
	ProductNRML Product = "NRML"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusComplete  OrderStatus = "COMPLETE"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further change is accepted for an order in
// this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusComplete, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// OpenOrders keeps the orders that can still change, in their given order.
func OpenOrders(orders []Order) []Order {
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

// OrderUpdate is the part of an order the upstream is allowed to change
// once the order exists.
type OrderUpdate struct {
	ID             string      `json:"id"`
	Status         OrderStatus `json:"status"`
	FilledQuantity float64     `json:"filled_quantity"`
	AveragePrice   float64     `json:"average_price"`
	Timestamp      string      `json:"timestamp"`
}

func (o Order) Update() OrderUpdate {
	return OrderUpdate{
		ID:             o.ID,
		Status:         o.Status,
		FilledQuantity: o.FilledQuantity,
		AveragePrice:   o.AveragePrice,
		Timestamp:      o.Timestamp,
	}
}
