package budget

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/appforge-ai/appforge/runtime/model"
)

func testTable() RateTable {
	return NewRateTable(map[string]Rates{
		"claude-sonnet-4-5": {
			InputPerMTok:      3,
			OutputPerMTok:     15,
			CacheReadPerMTok:  0.3,
			CacheWritePerMTok: 3.75,
		},
		"gpt-4o": {
			InputPerMTok:  2.5,
			OutputPerMTok: 10,
		},
	})
}

func TestCostLinear(t *testing.T) {
	table := testTable()

	cases := []struct {
		name  string
		usage model.TokenUsage
		want  float64
	}{
		{name: "zero usage", usage: model.TokenUsage{}, want: 0},
		{
			name:  "input only",
			usage: model.TokenUsage{InputTokens: 1_000_000},
			want:  3,
		},
		{
			name: "all counters",
			usage: model.TokenUsage{
				InputTokens:      500_000,
				OutputTokens:     100_000,
				CacheReadTokens:  1_000_000,
				CacheWriteTokens: 200_000,
			},
			// 1.5 + 1.5 + 0.3 + 0.75
			want: 4.05,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := table.Cost("claude-sonnet-4-5", tc.usage)
			require.NoError(t, err)
			require.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestCostUnknownModel(t *testing.T) {
	_, err := testTable().Cost("mystery-model", model.TokenUsage{InputTokens: 1})
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestCheckAffordable(t *testing.T) {
	guard, err := NewGuard(GuardOptions{Table: testTable(), MinReserveUSD: 1})
	require.NoError(t, err)

	cases := []struct {
		name              string
		cumulative        float64
		ceiling           float64
		balance           float64
		wantOK            bool
		wantMaxAffordable float64
	}{
		{name: "well under", cumulative: 0.10, ceiling: 5, balance: 100, wantOK: true, wantMaxAffordable: 5},
		{name: "at ceiling", cumulative: 5, ceiling: 5, balance: 100, wantOK: false, wantMaxAffordable: 5},
		{name: "over ceiling", cumulative: 5.01, ceiling: 5, balance: 100, wantOK: false, wantMaxAffordable: 5},
		{name: "balance binds", cumulative: 2, ceiling: 5, balance: 2.5, wantOK: false, wantMaxAffordable: 1.5},
		{name: "reserve only", cumulative: 0.5, ceiling: 5, balance: 1, wantOK: false, wantMaxAffordable: 0},
		{name: "empty account", cumulative: 0.01, ceiling: 5, balance: 0, wantOK: false, wantMaxAffordable: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := guard.CheckAffordable(tc.cumulative, tc.ceiling, tc.balance)
			require.Equal(t, tc.wantOK, dec.OK)
			require.InDelta(t, tc.wantMaxAffordable, dec.MaxAffordable, 1e-9)
		})
	}
}

func TestRoundUSD(t *testing.T) {
	require.Equal(t, 0.01, RoundUSD(0.005))
	require.Equal(t, 0.0, RoundUSD(0.0049))
	require.Equal(t, 1.23, RoundUSD(1.234999))
	require.Equal(t, 0.0, RoundUSD(0))
}

func TestLoadRateTable(t *testing.T) {
	yaml := `
claude-sonnet-4-5:
  input_per_mtok: 3
  output_per_mtok: 15
  cache_read_per_mtok: 0.3
  cache_write_per_mtok: 3.75
gpt-4o:
  input_per_mtok: 2.5
  output_per_mtok: 10
`
	table, err := LoadRateTable(strings.NewReader(yaml))
	require.NoError(t, err)

	cost, err := table.Cost("gpt-4o", model.TokenUsage{InputTokens: 2_000_000})
	require.NoError(t, err)
	require.InDelta(t, 5, cost, 1e-9)
}

func TestLoadRateTableRejectsNegativeRates(t *testing.T) {
	yaml := `
bad-model:
  input_per_mtok: -1
`
	_, err := LoadRateTable(strings.NewReader(yaml))
	require.Error(t, err)
}

func TestCostPropertyNonNegativeAndAdditive(t *testing.T) {
	table := testTable()
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	tokens := gen.IntRange(0, 10_000_000)

	properties.Property("cost is never negative", prop.ForAll(
		func(in, out, cr, cw int) bool {
			u := model.TokenUsage{InputTokens: in, OutputTokens: out, CacheReadTokens: cr, CacheWriteTokens: cw}
			cost, err := table.Cost("claude-sonnet-4-5", u)
			return err == nil && cost >= 0
		},
		tokens, tokens, tokens, tokens,
	))

	properties.Property("cost of summed usage equals summed costs", prop.ForAll(
		func(in, out, cr, cw int) bool {
			a := model.TokenUsage{InputTokens: in, OutputTokens: out}
			b := model.TokenUsage{CacheReadTokens: cr, CacheWriteTokens: cw}
			ca, err := table.Cost("claude-sonnet-4-5", a)
			if err != nil {
				return false
			}
			cb, err := table.Cost("claude-sonnet-4-5", b)
			if err != nil {
				return false
			}
			sum := a
			sum.Add(b)
			cs, err := table.Cost("claude-sonnet-4-5", sum)
			if err != nil {
				return false
			}
			diff := cs - (ca + cb)
			return diff < 1e-6 && diff > -1e-6
		},
		tokens, tokens, tokens, tokens,
	))

	properties.TestingRun(t)
}
