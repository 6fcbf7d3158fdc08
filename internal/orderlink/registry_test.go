package orderlink

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	"tpsl_engine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testClock = fixedClock{t: time.UnixMilli(1700000000000)}

func TestGenerate_Format(t *testing.T) {
	r := NewRegistry(testClock)

	id := r.Generate(core.AccountMain, KindTP, 1, "BTCUSDT")
	assert.Regexp(t, regexp.MustCompile(`^BOT_TP1_BTCUSDT_1700000000000_[0-9a-f]{4}$`), id)

	id = r.Generate(core.AccountMirror, KindSL, 1, "ETHUSDT")
	assert.Regexp(t, regexp.MustCompile(`^MIR_SL1_ETHUSDT_1700000000000_[0-9a-f]{4}$`), id)

	id = r.Generate(core.AccountMain, KindEntry, 3, "SOLUSDT")
	assert.Regexp(t, regexp.MustCompile(`^BOT_ENTRY3_SOLUSDT_1700000000000_[0-9a-f]{4}$`), id)
}

func TestGenerate_TruncatesLongSymbols(t *testing.T) {
	r := NewRegistry(testClock)

	id := r.Generate(core.AccountMain, KindEntry, 1, "1000000BABYDOGEUSDT")
	assert.Len(t, id, MaxLinkIDLength)
	// The symbol keeps its head so operators can still read it.
	assert.Contains(t, id, "_100000_")

	p, ok := Parse(id)
	require.True(t, ok)
	assert.Equal(t, KindEntry, p.Kind)
	assert.Equal(t, 1, p.Index)
	assert.Equal(t, "100000", p.Symbol)

	// A shorter kind tag leaves more room.
	id = r.Generate(core.AccountMain, KindTP, 1, "1000000BABYDOGEUSDT")
	assert.Len(t, id, MaxLinkIDLength)
	assert.Contains(t, id, "_1000000BA_")
}

func TestGenerate_UniqueAcrossAttempts(t *testing.T) {
	r := NewRegistry(testClock)

	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		id := r.Generate(core.AccountMain, KindTP, 2, "BTCUSDT")
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
	assert.Equal(t, 500, r.Size())
}

func TestReserve_BlocksCollisions(t *testing.T) {
	r := NewRegistry(testClock)

	r.Reserve("BOT_TP1_BTCUSDT_1700000000000_aaaa")
	r.Reserve("")
	assert.Equal(t, 1, r.Size())

	for i := 0; i < 200; i++ {
		id := r.Generate(core.AccountMain, KindTP, 1, "BTCUSDT")
		assert.NotEqual(t, "BOT_TP1_BTCUSDT_1700000000000_aaaa", id)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	r := NewRegistry(testClock)
	id := r.Generate(core.AccountMirror, KindTP, 4, "BTCUSDT")

	p, ok := Parse(id)
	require.True(t, ok)
	assert.Equal(t, core.AccountMirror, p.Account)
	assert.Equal(t, KindTP, p.Kind)
	assert.Equal(t, 4, p.Index)
	assert.Equal(t, "BTCUSDT", p.Symbol)
	assert.Equal(t, int64(1700000000000), p.TsMs)
}

func TestParse_RejectsForeignIDs(t *testing.T) {
	cases := []string{
		"",
		"manual-close-1",
		"BOT_TP_BTCUSDT_1700000000000_ab12", // kind tag without index
		"XXX_TP1_BTCUSDT_1700000000000_ab12",
		"BOT_TP1_BTCUSDT_notatime_ab12",
		"BOT_TP1_BTCUSDT_1700000000000",
		"BOT_TP0_BTCUSDT_1700000000000_ab12",
	}
	for _, id := range cases {
		t.Run(fmt.Sprintf("%q", id), func(t *testing.T) {
			_, ok := Parse(id)
			assert.False(t, ok)
		})
	}
}

func TestIsOurs(t *testing.T) {
	assert.True(t, IsOurs("BOT_TP1_BTCUSDT_1700000000000_ab12"))
	assert.True(t, IsOurs("MIR_SL1_ETHUSDT_1700000000000_ab12"))
	assert.False(t, IsOurs("manual-close-1"))
	assert.False(t, IsOurs(""))
	assert.False(t, IsOurs("BOTTP1"))
}

func TestClassifyOrder_ByLinkID(t *testing.T) {
	order := core.Order{
		OrderLinkID: "BOT_TP3_BTCUSDT_1700000000000_ab12",
		Side:        core.SideSell,
		ReduceOnly:  true,
	}
	kind, index, ok := ClassifyOrder(order, core.SideBuy)
	require.True(t, ok)
	assert.Equal(t, KindTP, kind)
	assert.Equal(t, 3, index)
}

func TestClassifyOrder_Fallback(t *testing.T) {
	tests := []struct {
		name     string
		order    core.Order
		posSide  core.Side
		wantKind Kind
		wantOK   bool
	}{
		{
			name: "conditional reduce-only opposite side is SL",
			order: core.Order{
				Side:          core.SideSell,
				OrderType:     core.OrderTypeMarket,
				ReduceOnly:    true,
				TriggerPrice:  decimal.RequireFromString("58800"),
				StopOrderType: core.StopTypeStopLoss,
			},
			posSide:  core.SideBuy,
			wantKind: KindSL,
			wantOK:   true,
		},
		{
			name: "reduce-only opposite limit is TP",
			order: core.Order{
				Side:       core.SideSell,
				OrderType:  core.OrderTypeLimit,
				ReduceOnly: true,
			},
			posSide:  core.SideBuy,
			wantKind: KindTP,
			wantOK:   true,
		},
		{
			name: "same-side non-reduce is entry",
			order: core.Order{
				Side:      core.SideBuy,
				OrderType: core.OrderTypeLimit,
			},
			posSide:  core.SideBuy,
			wantKind: KindEntry,
			wantOK:   true,
		},
		{
			name: "reduce-only same side is unclassifiable",
			order: core.Order{
				Side:       core.SideBuy,
				ReduceOnly: true,
			},
			posSide: core.SideBuy,
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, index, ok := ClassifyOrder(tt.order, tt.posSide)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantKind, kind)
				assert.Equal(t, 0, index, "fallback classification carries no slot")
			}
		})
	}
}
