package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func day(n int) Date {
	return NewDate(2026, time.March, n)
}

func buildPosition(t *testing.T, dir Direction, lots ...Trade) *PositionState {
	t.Helper()
	engine := NewLotEngine()
	state := NewPositionState("PK0000000000000001", dir)
	for _, trade := range lots {
		_, err := engine.AddLot(state, trade)
		require.NoError(t, err)
	}
	return state
}

func TestAddLotDefaults(t *testing.T) {
	engine := NewLotEngine()
	state := NewPositionState("PK0000000000000001", DirectionLong)

	result, err := engine.AddLot(state, Trade{
		ID:            "T1",
		Quantity:      d("100"),
		Price:         d("10.50"),
		EffectiveDate: day(1),
	})
	require.NoError(t, err)

	require.Len(t, state.Lots, 1)
	lot := state.Lots[0]
	assert.Equal(t, "T1", lot.ID)
	assert.True(t, lot.SettlementDate.Equal(day(1)), "settlement defaults to trade date")
	assert.True(t, lot.SettledQty.Equal(d("100")), "settled qty defaults to full quantity")
	assert.True(t, lot.CurrentRefPrice.Equal(d("10.50")))

	require.Len(t, result.Allocations, 1)
	assert.Equal(t, "T1", result.Allocations[0].LotID)
	assert.Nil(t, result.Allocations[0].RealizedPnL)
}

func TestAddLotRejectsNonPositiveQuantity(t *testing.T) {
	engine := NewLotEngine()
	state := NewPositionState("PK0000000000000001", DirectionLong)
	_, err := engine.AddLot(state, Trade{ID: "T1", Quantity: d("0"), Price: d("10")})
	require.Error(t, err)
}

func TestReduceLotsFIFO(t *testing.T) {
	state := buildPosition(t, DirectionLong,
		Trade{ID: "L1", Quantity: d("100"), Price: d("10"), EffectiveDate: day(1)},
		Trade{ID: "L2", Quantity: d("100"), Price: d("12"), EffectiveDate: day(2)},
	)
	engine := NewLotEngine()

	result, err := engine.ReduceLots(state, d("150"), d("15"), MethodFIFO)
	require.NoError(t, err)

	require.Len(t, result.Allocations, 2)
	assert.Equal(t, "L1", result.Allocations[0].LotID)
	assert.True(t, result.Allocations[0].Qty.Equal(d("100")))
	assert.Equal(t, "L2", result.Allocations[1].LotID)
	assert.True(t, result.Allocations[1].Qty.Equal(d("50")))

	// 100*(15-10) + 50*(15-12)
	assert.True(t, result.TotalRealizedPnL.Equal(d("650")), "got %s", result.TotalRealizedPnL)
	assert.True(t, state.TotalQty().Equal(d("50")))
	assert.True(t, state.Lots[0].RemainingQty.IsZero())
	assert.True(t, state.Lots[1].RemainingQty.Equal(d("50")))
}

func TestReduceLotsLIFO(t *testing.T) {
	state := buildPosition(t, DirectionLong,
		Trade{ID: "L1", Quantity: d("100"), Price: d("10"), EffectiveDate: day(1)},
		Trade{ID: "L2", Quantity: d("100"), Price: d("12"), EffectiveDate: day(2)},
	)
	engine := NewLotEngine()

	result, err := engine.ReduceLots(state, d("150"), d("15"), MethodLIFO)
	require.NoError(t, err)

	require.Len(t, result.Allocations, 2)
	assert.Equal(t, "L2", result.Allocations[0].LotID, "newest lot relieved first")
	assert.True(t, result.Allocations[0].Qty.Equal(d("100")))
	assert.Equal(t, "L1", result.Allocations[1].LotID)
	assert.True(t, result.Allocations[1].Qty.Equal(d("50")))

	// 100*(15-12) + 50*(15-10)
	assert.True(t, result.TotalRealizedPnL.Equal(d("550")), "got %s", result.TotalRealizedPnL)
}

func TestReduceLotsHIFO(t *testing.T) {
	state := buildPosition(t, DirectionLong,
		Trade{ID: "L1", Quantity: d("50"), Price: d("10"), EffectiveDate: day(1)},
		Trade{ID: "L2", Quantity: d("50"), Price: d("14"), EffectiveDate: day(2)},
		Trade{ID: "L3", Quantity: d("50"), Price: d("12"), EffectiveDate: day(3)},
	)
	engine := NewLotEngine()

	result, err := engine.ReduceLots(state, d("80"), d("15"), MethodHIFO)
	require.NoError(t, err)

	require.Len(t, result.Allocations, 2)
	assert.Equal(t, "L2", result.Allocations[0].LotID, "highest cost basis first")
	assert.True(t, result.Allocations[0].Qty.Equal(d("50")))
	assert.Equal(t, "L3", result.Allocations[1].LotID)
	assert.True(t, result.Allocations[1].Qty.Equal(d("30")))

	// 50*(15-14) + 30*(15-12)
	assert.True(t, result.TotalRealizedPnL.Equal(d("140")), "got %s", result.TotalRealizedPnL)
}

func TestReduceLotsHIFODateBreaksPriceTie(t *testing.T) {
	state := buildPosition(t, DirectionLong,
		Trade{ID: "L1", Quantity: d("50"), Price: d("12"), EffectiveDate: day(5)},
		Trade{ID: "L2", Quantity: d("50"), Price: d("12"), EffectiveDate: day(1)},
	)
	engine := NewLotEngine()

	result, err := engine.ReduceLots(state, d("50"), d("13"), MethodHIFO)
	require.NoError(t, err)

	require.Len(t, result.Allocations, 1)
	assert.Equal(t, "L2", result.Allocations[0].LotID, "earlier date wins a price tie")
}

func TestReduceLotsShortRealizesInvertedPnL(t *testing.T) {
	state := buildPosition(t, DirectionShort,
		Trade{ID: "S1", Quantity: d("100"), Price: d("10"), EffectiveDate: day(1)},
	)
	engine := NewLotEngine()

	// Covering a short below the open price is a gain.
	result, err := engine.ReduceLots(state, d("100"), d("8"), MethodFIFO)
	require.NoError(t, err)
	assert.True(t, result.TotalRealizedPnL.Equal(d("200")), "got %s", result.TotalRealizedPnL)

	state = buildPosition(t, DirectionShort,
		Trade{ID: "S1", Quantity: d("100"), Price: d("10"), EffectiveDate: day(1)},
	)
	result, err = engine.ReduceLots(state, d("100"), d("12"), MethodFIFO)
	require.NoError(t, err)
	assert.True(t, result.TotalRealizedPnL.Equal(d("-200")), "got %s", result.TotalRealizedPnL)
}

func TestReduceLotsInsufficientLeavesStateUntouched(t *testing.T) {
	state := buildPosition(t, DirectionLong,
		Trade{ID: "L1", Quantity: d("100"), Price: d("10"), EffectiveDate: day(1)},
	)
	engine := NewLotEngine()

	_, err := engine.ReduceLots(state, d("150"), d("15"), MethodFIFO)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInsufficientQuantity))
	assert.True(t, state.TotalQty().Equal(d("100")), "failed reduction must not consume lots")
}

func TestReduceLotsRoundsPnLAtClosePriceScale(t *testing.T) {
	state := buildPosition(t, DirectionLong,
		Trade{ID: "L1", Quantity: d("3"), Price: d("10.1234"), EffectiveDate: day(1)},
	)
	engine := NewLotEngine()

	result, err := engine.ReduceLots(state, d("3"), d("10.13"), MethodFIFO)
	require.NoError(t, err)
	// 3 * 0.0066 = 0.0198, half-even at two decimals -> 0.02
	assert.True(t, result.TotalRealizedPnL.Equal(d("0.02")), "got %s", result.TotalRealizedPnL)
}

func TestResetPricesOnlyTouchesOpenLots(t *testing.T) {
	state := buildPosition(t, DirectionLong,
		Trade{ID: "L1", Quantity: d("100"), Price: d("10"), EffectiveDate: day(1)},
		Trade{ID: "L2", Quantity: d("100"), Price: d("12"), EffectiveDate: day(2)},
	)
	engine := NewLotEngine()
	_, err := engine.ReduceLots(state, d("100"), d("15"), MethodFIFO)
	require.NoError(t, err)

	updated := engine.ResetPrices(state, d("20"))
	assert.Equal(t, 1, updated)
	assert.True(t, state.Lots[0].CurrentRefPrice.Equal(d("10")), "closed lot keeps its mark")
	assert.True(t, state.Lots[1].CurrentRefPrice.Equal(d("20")))
	assert.True(t, state.Lots[1].OriginalPrice.Equal(d("12")), "cost basis never changes")
}

func TestCompressInflateRoundTrip(t *testing.T) {
	state := buildPosition(t, DirectionLong,
		Trade{ID: "L1", Quantity: d("100"), Price: d("10"), EffectiveDate: day(1)},
		Trade{ID: "L2", Quantity: d("50"), Price: d("12.25"), EffectiveDate: day(2)},
	)
	engine := NewLotEngine()
	_, err := engine.ReduceLots(state, d("30"), d("13"), MethodFIFO)
	require.NoError(t, err)

	inflated, err := Inflate(state.Key, state.Direction, state.Compress())
	require.NoError(t, err)
	require.Len(t, inflated.Lots, 2)
	assert.True(t, inflated.TotalQty().Equal(state.TotalQty()))
	assert.True(t, inflated.Exposure().Equal(state.Exposure()))
	assert.Equal(t, state.Lots[0].ID, inflated.Lots[0].ID)
}

func TestInflateRejectsRaggedArrays(t *testing.T) {
	c := CompressedLots{
		IDs:            []string{"L1", "L2"},
		TradeDates:     []Date{day(1)},
		OriginalPrices: []decimal.Decimal{d("10"), d("12")},
		CurrentPrices:  []decimal.Decimal{d("10"), d("12")},
		OriginalQtys:   []decimal.Decimal{d("1"), d("2")},
		RemainingQtys:  []decimal.Decimal{d("1"), d("2")},
	}
	_, err := Inflate("PK0000000000000001", DirectionLong, c)
	require.Error(t, err)
}

func TestWeightedAvgPrice(t *testing.T) {
	state := buildPosition(t, DirectionLong,
		Trade{ID: "L1", Quantity: d("100"), Price: d("10"), EffectiveDate: day(1)},
		Trade{ID: "L2", Quantity: d("100"), Price: d("12"), EffectiveDate: day(2)},
	)
	assert.True(t, state.WeightedAvgPrice(2).Equal(d("11")))
	assert.True(t, state.SignedQty().Equal(d("200")))

	short := buildPosition(t, DirectionShort,
		Trade{ID: "S1", Quantity: d("100"), Price: d("10"), EffectiveDate: day(1)},
	)
	assert.True(t, short.SignedQty().Equal(d("-100")))
}
