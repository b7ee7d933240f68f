package policy

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/venue-router/internal/model"
)

func testQuote(venue string, out int64, impact float64) model.Quote {
	return model.Quote{
		Venue:       venue,
		AmountIn:    big.NewInt(1000),
		AmountOut:   big.NewInt(out),
		GasEstimate: 180000,
		Path:        []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")},
		PriceImpact: impact,
		Meta:        map[string]string{"fee": "500"},
	}
}

func TestEvaluator_Allows(t *testing.T) {
	e := NewEvaluator()
	q := testQuote("uniswap", 990, 0.01)

	tests := []struct {
		name       string
		expression string
		want       bool
	}{
		{"impact under limit", "priceImpact < 0.02", true},
		{"impact over limit", "priceImpact < 0.005", false},
		{"venue deny list", `venue != "uniswap"`, false},
		{"gas ceiling", "gas <= 200000u", true},
		{"output ratio", "amountOut / amountIn > 0.98", true},
		{"single hop", "hops == 1", true},
		{"meta lookup", `meta["fee"] == "500"`, true},
		{"missing meta key", `"route" in meta`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Allows(tt.expression, q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_InvalidExpressions(t *testing.T) {
	e := NewEvaluator()

	assert.Error(t, e.ValidateExpression("priceImpact <"))
	assert.Error(t, e.ValidateExpression("unknownVar > 1"))
	assert.ErrorIs(t, e.ValidateExpression("gas + 1u"), ErrNotBoolean)
	assert.NoError(t, e.ValidateExpression("priceImpact < 0.05"))

	_, err := e.Allows("venue +", testQuote("a", 1, 0))
	assert.Error(t, err)
}

func TestEvaluator_Filter(t *testing.T) {
	e := NewEvaluator()
	quotes := []model.Quote{
		testQuote("uniswap", 990, 0.01),
		testQuote("1inch", 995, 0.08),
		testQuote("paraswap", 992, 0.02),
	}

	kept := e.Filter("priceImpact < 0.05", quotes)
	require.Len(t, kept, 2)
	assert.Equal(t, "uniswap", kept[0].Venue)
	assert.Equal(t, "paraswap", kept[1].Venue)

	assert.Len(t, e.Filter("", quotes), 3, "An empty policy keeps every quote")
	assert.Empty(t, e.Filter("venue >", quotes), "Broken expressions reject everything")
}

func TestEvaluator_CachesPrograms(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Allows("hops >= 1", testQuote("a", 1, 0))
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)

	_, err = e.Allows("hops >= 1", testQuote("b", 2, 0))
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)

	e.ClearCache()
	assert.Empty(t, e.cache)
}
