package engine

import (
	"time"

	"github.com/gregtusar/koboldx/pkg/chain"
	"github.com/gregtusar/koboldx/pkg/chart"
	"github.com/gregtusar/koboldx/pkg/ledger"
	"github.com/gregtusar/koboldx/pkg/models"
	"github.com/gregtusar/koboldx/pkg/session"
)

// State is the read side of the engine. A State is never mutated after it
// has been published; readers must treat its maps and slices as read-only.
type State struct {
	Seq        uint64                   `json:"seq"`
	SessionID  string                   `json:"session_id"`
	Connection session.ConnectionStatus `json:"connection"`
	Selection  models.Selection         `json:"selection"`
	Charts     map[string]chart.Series  `json:"charts"`
	Chain      *chain.Slice             `json:"chain,omitempty"`
	Orders     []models.Order           `json:"orders"`
	Account    *ledger.Account          `json:"account,omitempty"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

type ChangeKind string

const (
	ChangeSelection  ChangeKind = "selection"
	ChangeChart      ChangeKind = "chart"
	ChangeChain      ChangeKind = "chain"
	ChangeOrders     ChangeKind = "orders"
	ChangeAccount    ChangeKind = "account"
	ChangeConnection ChangeKind = "connection"
)

// Change tells listeners which part of the state moved. Keys lists chart
// keys for ChangeChart and order ids for ChangeOrders.
type Change struct {
	Kind ChangeKind
	Keys []string
}

// Listener is called on the engine loop after each published change. It
// must not block and must not call back into the engine.
type Listener func(Change, *State)
