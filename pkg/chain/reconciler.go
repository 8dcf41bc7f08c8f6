// Package chain keeps the option chain slice of the active underlying and
// expiry, merging partial slices strike by strike.
package chain

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/gregtusar/koboldx/pkg/models"
	"github.com/sirupsen/logrus"
)

type Outcome int

const (
	OutcomeMerged Outcome = iota
	OutcomeDiscarded
)

// Slice is an immutable copy of the active chain.
type Slice struct {
	Underlying  string                  `json:"underlying"`
	Expiry      string                  `json:"expiry"`
	Expiries    []string                `json:"expiries,omitempty"`
	ATM         float64                 `json:"atm"`
	PreviousATM float64                 `json:"previous_atm"`
	ATMDrift    float64                 `json:"atm_drift"`
	ATMShifts   int                     `json:"atm_shifts"`
	SpotPrice   float64                 `json:"spot_price"`
	Rows        []models.OptionChainRow `json:"rows"`
	LastUpdated int64                   `json:"last_updated"`
	MergedAt    time.Time               `json:"merged_at"`
}

// Reconciler is owned by the engine loop and is not safe for concurrent use.
type Reconciler struct {
	underlying string
	expiry     string
	pinned     bool // expiry came from the selection rather than the feed

	slice  *Slice
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewReconciler(logger logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		logger: logger.WithField("component", "chain"),
		now:    time.Now,
	}
}

// SetActive points the reconciler at a new underlying/expiry. An empty
// expiry lets the first matching slice decide. Switching away drops the
// stored slice; nothing is cached for inactive expiries.
func (r *Reconciler) SetActive(underlying, expiry string) {
	if underlying == r.underlying && (expiry == r.expiry || (expiry == "" && !r.pinned)) {
		return
	}
	if r.slice != nil {
		r.logger.WithFields(logrus.Fields{
			"underlying": r.underlying,
			"expiry":     r.expiry,
		}).Debug("Discarding chain slice for inactive key")
	}
	r.underlying = underlying
	r.expiry = expiry
	r.pinned = expiry != ""
	r.slice = nil
}

func (r *Reconciler) Active() (underlying, expiry string) {
	return r.underlying, r.expiry
}

// ApplySlice merges a chain message into the active slice. Rows are matched
// by strike and replaced whole; strikes missing from the message are left
// as they were. Messages for another underlying or expiry are discarded.
func (r *Reconciler) ApplySlice(msg models.OptionChain) (Outcome, error) {
	expiry := msg.SliceExpiry()
	if r.underlying == "" || msg.Underlying != r.underlying {
		return OutcomeDiscarded, nil
	}
	if r.expiry == "" && !r.pinned {
		// nothing to adopt yet
		if expiry == "" {
			return OutcomeDiscarded, nil
		}
		r.expiry = expiry
	}
	if expiry != r.expiry {
		return OutcomeDiscarded, nil
	}

	if r.slice == nil {
		r.slice = &Slice{
			Underlying:  r.underlying,
			Expiry:      r.expiry,
			ATM:         msg.ATM,
			PreviousATM: msg.ATM,
		}
	} else {
		r.slice.PreviousATM = r.slice.ATM
		r.slice.ATMDrift = msg.ATM - r.slice.ATM
		if r.slice.ATMDrift != 0 {
			r.slice.ATMShifts++
			r.logger.WithFields(logrus.Fields{
				"underlying": r.underlying,
				"from":       r.slice.PreviousATM,
				"to":         msg.ATM,
			}).Debug("ATM strike moved")
		}
	}

	s := r.slice
	s.ATM = msg.ATM
	s.SpotPrice = msg.SpotPrice
	s.LastUpdated = msg.LastUpdated
	if len(msg.Expiries) > 0 {
		s.Expiries = slices.Clone(msg.Expiries)
	}

	seen := make(map[float64]struct{}, len(msg.Rows))
	var dups []int
	for i, row := range msg.Rows {
		if _, dup := seen[row.Strike]; dup {
			dups = append(dups, i)
		}
		seen[row.Strike] = struct{}{}
		s.Rows = upsert(s.Rows, row)
	}
	s.MergedAt = r.now()

	if len(dups) > 0 {
		r.logger.WithFields(logrus.Fields{
			"underlying": r.underlying,
			"rows":       dups,
		}).Warn("Chain slice repeats strikes")
		return OutcomeMerged, &models.InvariantViolation{
			Component: "chain",
			Key:       r.underlying + ":" + r.expiry,
			Detail:    fmt.Sprintf("%d duplicate strikes in one slice", len(dups)),
			Indices:   dups,
		}
	}
	return OutcomeMerged, nil
}

// Slice returns a copy of the active slice, or false when none arrived yet.
func (r *Reconciler) Slice() (Slice, bool) {
	if r.slice == nil {
		return Slice{}, false
	}
	out := *r.slice
	out.Rows = slices.Clone(r.slice.Rows)
	out.Expiries = slices.Clone(r.slice.Expiries)
	return out, true
}

// upsert keeps rows sorted by strike and unique.
func upsert(rows []models.OptionChainRow, row models.OptionChainRow) []models.OptionChainRow {
	i, found := slices.BinarySearchFunc(rows, row.Strike, func(r models.OptionChainRow, strike float64) int {
		return cmp.Compare(r.Strike, strike)
	})
	if found {
		rows[i] = row
		return rows
	}
	return slices.Insert(rows, i, row)
}
