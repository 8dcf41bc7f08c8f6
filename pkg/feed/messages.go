// Package feed turns raw WebSocket frames into typed messages and owns the
// gorilla/websocket transport used to reach the upstream.
package feed

import "github.com/gregtusar/koboldx/pkg/models"

type MessageType string

const (
	TypeSelection     MessageType = "selection"
	TypeChartSnapshot MessageType = "chart.snapshot"
	TypeChartUpdate   MessageType = "chart.update"
	TypeChartHistory  MessageType = "chart.history"
	TypeChainSlice    MessageType = "chain.slice"
	TypeOrderUpdate   MessageType = "order.update"
	TypeAccount       MessageType = "account"
)

// Message is the closed set of inbound messages. Only types in this
// package implement it.
type Message interface {
	MessageType() MessageType
	sealed()
}

type SelectionMessage struct {
	Stock     string   `json:"stock"`
	OptionKey *string  `json:"optionKey"`
	Intervals []string `json:"intervals"`
	Expiry    string   `json:"expiry,omitempty"`
}

func (m SelectionMessage) Selection() models.Selection {
	return models.Selection{
		Stock:     m.Stock,
		OptionKey: m.OptionKey,
		Intervals: m.Intervals,
		Expiry:    m.Expiry,
	}
}

type ChartSnapshotMessage struct {
	Symbol     string                     `json:"symbol"`
	Bundles    map[string][]models.Candle `json:"bundles"`
	LastTick   *models.LastTick           `json:"lastTick,omitempty"`
	Indicators *models.Indicators         `json:"indicators,omitempty"`
}

type ChartUpdateMessage struct {
	Key        string             `json:"key"`
	Bar        models.Candle      `json:"bar"`
	Indicators *models.Indicators `json:"indicators,omitempty"`
}

type ChartHistoryMessage struct {
	Key  string          `json:"key"`
	Data []models.Candle `json:"data"`
}

type ChainSliceMessage struct {
	models.OptionChain
}

type OrderUpdateMessage struct {
	Order models.Order `json:"order"`
}

type AccountMessage struct {
	models.AccountUpdate
}

func (SelectionMessage) MessageType() MessageType     { return TypeSelection }
func (ChartSnapshotMessage) MessageType() MessageType { return TypeChartSnapshot }
func (ChartUpdateMessage) MessageType() MessageType   { return TypeChartUpdate }
func (ChartHistoryMessage) MessageType() MessageType  { return TypeChartHistory }
func (ChainSliceMessage) MessageType() MessageType    { return TypeChainSlice }
func (OrderUpdateMessage) MessageType() MessageType   { return TypeOrderUpdate }
func (AccountMessage) MessageType() MessageType       { return TypeAccount }

func (SelectionMessage) sealed()     {}
func (ChartSnapshotMessage) sealed() {}
func (ChartUpdateMessage) sealed()   {}
func (ChartHistoryMessage) sealed()  {}
func (ChainSliceMessage) sealed()    {}
func (OrderUpdateMessage) sealed()   {}
func (AccountMessage) sealed()       {}
