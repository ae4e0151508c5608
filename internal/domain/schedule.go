package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// ScheduleEntry is one dated point of the price/quantity schedule: the
// total position quantity after the event on that date and the
// quantity-weighted average price of the open lots at that moment.
type ScheduleEntry struct {
	EffectiveDate Date             `json:"effectiveDate"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         decimal.Decimal  `json:"price"`
	Notional      *decimal.Decimal `json:"notional,omitempty"`
}

// Schedule is the time-indexed price/quantity schedule of a position,
// chronological, at most one entry per effective date.
type Schedule struct {
	Unit     string          `json:"unit"`
	Currency string          `json:"currency"`
	Entries  []ScheduleEntry `json:"schedule"`
}

// NewSchedule returns an empty schedule in the given unit and currency.
func NewSchedule(unit, currency string) *Schedule {
	if unit == "" {
		unit = "SHARES"
	}
	return &Schedule{Unit: unit, Currency: currency}
}

// Upsert records the post-event quantity and price for a date. A
// same-date entry is overwritten; otherwise the entry is inserted in
// chronological place.
func (s *Schedule) Upsert(date Date, qty, price decimal.Decimal) {
	notional := qty.Mul(price)
	entry := ScheduleEntry{EffectiveDate: date, Quantity: qty, Price: price, Notional: &notional}

	idx := sort.Search(len(s.Entries), func(i int) bool {
		return !s.Entries[i].EffectiveDate.Before(date)
	})
	if idx < len(s.Entries) && s.Entries[idx].EffectiveDate.Equal(date) {
		s.Entries[idx] = entry
		return
	}
	s.Entries = append(s.Entries, ScheduleEntry{})
	copy(s.Entries[idx+1:], s.Entries[idx:])
	s.Entries[idx] = entry
}

// At returns the entry for a date, if present.
func (s *Schedule) At(date Date) (ScheduleEntry, bool) {
	for i := range s.Entries {
		if s.Entries[i].EffectiveDate.Equal(date) {
			return s.Entries[i], true
		}
	}
	return ScheduleEntry{}, false
}
