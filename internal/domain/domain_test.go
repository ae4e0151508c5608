package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedToday() Date { return NewDate(2026, time.March, 10) }

func TestDerivePositionKeyDeterministic(t *testing.T) {
	a := DerivePositionKey("ACC1", "IBM.N", "USD", DirectionLong)
	b := DerivePositionKey("ACC1", "IBM.N", "USD", DirectionLong)
	assert.Equal(t, a, b)
	assert.True(t, a.Valid())

	short := DerivePositionKey("ACC1", "IBM.N", "USD", DirectionShort)
	assert.NotEqual(t, a, short, "direction is part of the key")
}

func TestPositionKeyValid(t *testing.T) {
	assert.True(t, PositionKey("PK0123456789abcdef").Valid())
	assert.False(t, PositionKey("PK0123456789ABCDEF").Valid())
	assert.False(t, PositionKey("XX0123456789abcdef").Valid())
	assert.False(t, PositionKey("PK0123").Valid())
}

func TestClassify(t *testing.T) {
	c := &Classifier{Now: fixedToday}
	last := NewDate(2026, time.March, 8)

	assert.Equal(t, CurrentDated, c.Classify(fixedToday(), nil), "first trade is always current")
	assert.Equal(t, Backdated, c.Classify(NewDate(2026, time.March, 5), &last))
	assert.Equal(t, CurrentDated, c.Classify(fixedToday(), &last))
	assert.Equal(t, ForwardDated, c.Classify(NewDate(2026, time.March, 15), &last))

	// Equal to the last effective date but not today routes forward.
	assert.Equal(t, ForwardDated, c.Classify(last, &last))

	assert.True(t, CurrentDated.Hotpath())
	assert.True(t, ForwardDated.Hotpath())
	assert.False(t, Backdated.Hotpath())
}

func TestValidateCollectsAllReasons(t *testing.T) {
	v := &Validator{ForwardHorizonDays: 365, Now: fixedToday}

	err := v.Validate(Trade{})
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindValidationFailed, de.Kind)
	assert.GreaterOrEqual(t, len(de.Reasons), 5, "every violation listed: %v", de.Reasons)
}

func TestValidateForwardHorizon(t *testing.T) {
	v := &Validator{ForwardHorizonDays: 30, Now: fixedToday}
	base := Trade{
		ID: "T1", Account: "ACC1", Instrument: "IBM.N", Currency: "USD",
		Direction: DirectionLong, Type: TradeTypeNew,
		Quantity: d("100"), Price: d("10"),
	}

	inside := base
	inside.EffectiveDate = fixedToday().AddDays(30)
	require.NoError(t, v.Validate(inside))

	outside := base
	outside.EffectiveDate = fixedToday().AddDays(31)
	err := v.Validate(outside)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidationFailed))
}

func TestValidateAcceptsExplicitKey(t *testing.T) {
	v := &Validator{ForwardHorizonDays: 365, Now: fixedToday}
	err := v.Validate(Trade{
		ID:            "T1",
		PositionKey:   DerivePositionKey("ACC1", "IBM.N", "USD", DirectionLong),
		Type:          TradeTypeIncrease,
		Quantity:      d("1"),
		Price:         d("1"),
		EffectiveDate: fixedToday(),
	})
	require.NoError(t, err)
}

func TestScheduleUpsertOrderAndOverwrite(t *testing.T) {
	s := NewSchedule("SHARES", "USD")
	s.Upsert(day(3), d("100"), d("10"))
	s.Upsert(day(1), d("50"), d("9"))
	s.Upsert(day(3), d("80"), d("11"))

	require.Len(t, s.Entries, 2)
	assert.True(t, s.Entries[0].EffectiveDate.Equal(day(1)))
	assert.True(t, s.Entries[1].EffectiveDate.Equal(day(3)))
	assert.True(t, s.Entries[1].Quantity.Equal(d("80")), "same-date entry overwritten")
	require.NotNil(t, s.Entries[1].Notional)
	assert.True(t, s.Entries[1].Notional.Equal(d("880")))

	entry, ok := s.At(day(1))
	require.True(t, ok)
	assert.True(t, entry.Price.Equal(d("9")))
	_, ok = s.At(day(2))
	assert.False(t, ok)
}

func TestDateJSONRoundTrip(t *testing.T) {
	type doc struct {
		D Date `json:"d"`
	}
	out, err := json.Marshal(doc{D: NewDate(2026, time.March, 5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"2026-03-05"}`, string(out))

	var in doc
	require.NoError(t, json.Unmarshal([]byte(`{"d":"2026-03-05"}`), &in))
	assert.True(t, in.D.Equal(NewDate(2026, time.March, 5)))

	require.NoError(t, json.Unmarshal([]byte(`{"d":null}`), &in))
	assert.True(t, in.D.IsZero())
}

func TestErrorKindRouting(t *testing.T) {
	retryable := NewError(KindTransientConflict, "corr-1", "conflicted")
	assert.True(t, retryable.Retryable())
	fatal := NewError(KindValidationFailed, "corr-1", "bad trade")
	assert.False(t, fatal.Retryable())
	assert.Equal(t, KindFatalSystem, KindOf(json.Unmarshal([]byte("{"), &struct{}{})))
}

func TestFlipTradeID(t *testing.T) {
	assert.Equal(t, "T-77::flip", FlipTradeID("T-77"))
}
