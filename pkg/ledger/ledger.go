// Package ledger holds the order book of the session and the latest
// account, margin and position snapshot.
package ledger

import (
	"fmt"
	"slices"
	"time"

	"github.com/gregtusar/koboldx/pkg/models"
	"github.com/sirupsen/logrus"
)

type Outcome int

const (
	OutcomeInserted Outcome = iota
	OutcomeUpdated
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeStale:
		return "stale"
	}
	return "unknown"
}

// Account is the current account state. No history is kept.
type Account struct {
	Margin    models.Margin          `json:"margin"`
	Positions []models.Position      `json:"positions"`
	Profile   *models.AccountProfile `json:"account,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func (a Account) clone() Account {
	out := a
	out.Margin = a.Margin.Clone()
	out.Positions = slices.Clone(a.Positions)
	if a.Profile != nil {
		p := a.Profile.Clone()
		out.Profile = &p
	}
	return out
}

// Ledger is owned by the engine loop and is not safe for concurrent use.
type Ledger struct {
	orders     map[string]*models.Order
	order      []string // ids in first-seen order
	account    Account
	hasAccount bool
	logger     logrus.FieldLogger
	now        func() time.Time
}

func NewLedger(logger logrus.FieldLogger) *Ledger {
	return &Ledger{
		orders: make(map[string]*models.Order),
		logger: logger.WithField("component", "ledger"),
		now:    time.Now,
	}
}

// ApplyOrderUpdate applies an order echo by id. Unknown ids are inserted
// (late creation echo). Orders already in a terminal status never change
// again. Otherwise status, filled quantity, average price and timestamp
// are overwritten in arrival order; upstream timestamps are not compared.
func (l *Ledger) ApplyOrderUpdate(o models.Order) (Outcome, error) {
	if o.ID == "" {
		return OutcomeStale, fmt.Errorf("%w: missing id", models.ErrInvalidOrder)
	}

	stored, ok := l.orders[o.ID]
	if !ok {
		c := o.Clone()
		l.orders[o.ID] = &c
		l.order = append(l.order, o.ID)
		l.logger.WithFields(logrus.Fields{
			"order_id": o.ID,
			"symbol":   o.Symbol,
			"status":   o.Status,
		}).Info("Order tracked")
		return OutcomeInserted, nil
	}

	if stored.Status.Terminal() {
		l.logger.WithFields(logrus.Fields{
			"order_id": o.ID,
			"stored":   stored.Status,
			"incoming": o.Status,
		}).Debug("Ignoring update for terminal order")
		return OutcomeStale, fmt.Errorf("order %s is %s: %w", o.ID, stored.Status, models.ErrStaleUpdate)
	}

	u := o.Update()
	stored.Status = u.Status
	stored.FilledQuantity = u.FilledQuantity
	stored.AveragePrice = u.AveragePrice
	stored.Timestamp = u.Timestamp

	if stored.Status.Terminal() {
		l.logger.WithFields(logrus.Fields{
			"order_id": o.ID,
			"status":   stored.Status,
			"filled":   stored.FilledQuantity,
		}).Info("Order reached terminal status")
	}
	return OutcomeUpdated, nil
}

// ApplyAccountUpdate replaces the equity margin. The commodity segment and
// the profile are kept when the message leaves them out. Positions are
// replaced only when the message carries a list.
func (l *Ledger) ApplyAccountUpdate(u models.AccountUpdate) {
	next := Account{
		Margin:    u.Margin.Clone(),
		Positions: l.account.Positions,
		Profile:   l.account.Profile,
		UpdatedAt: l.now(),
	}
	if u.Margin.Commodity == nil && l.account.Margin.Commodity != nil {
		next.Margin.Commodity = l.account.Margin.Commodity
	}
	if u.Positions != nil {
		next.Positions = slices.Clone(u.Positions)
	}
	if u.Profile != nil {
		p := u.Profile.Clone()
		next.Profile = &p
	}
	l.account = next
	l.hasAccount = true
}

func (l *Ledger) Order(id string) (models.Order, bool) {
	o, ok := l.orders[id]
	if !ok {
		return models.Order{}, false
	}
	return o.Clone(), true
}

// Orders returns copies in first-seen order.
func (l *Ledger) Orders() []models.Order {
	out := make([]models.Order, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.orders[id].Clone())
	}
	return out
}

func (l *Ledger) Account() (Account, bool) {
	if !l.hasAccount {
		return Account{}, false
	}
	return l.account.clone(), true
}
