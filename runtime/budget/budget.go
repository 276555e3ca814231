// Package budget implements the cost guard: pure conversion of token usage
// into dollars via provider rate tables, and affordability decisions against
// both the per-session budget ceiling and the caller's account balance.
//
// Costs accumulate as unrounded floats across steps; rounding to cents
// happens exactly once, at the final credit charge (RoundUSD), so fractional
// step costs never compound rounding error.
package budget

import (
	"errors"
	"fmt"
	"math"

	"github.com/appforge-ai/appforge/runtime/model"
)

type (
	// Rates is the linear price schedule for one model, in USD per million
	// tokens for each of the four usage counters.
	Rates struct {
		InputPerMTok      float64 `yaml:"input_per_mtok"`
		OutputPerMTok     float64 `yaml:"output_per_mtok"`
		CacheReadPerMTok  float64 `yaml:"cache_read_per_mtok"`
		CacheWritePerMTok float64 `yaml:"cache_write_per_mtok"`
	}

	// RateTable maps model identifiers to their price schedules.
	RateTable struct {
		rates map[string]Rates
	}

	// Guard makes affordability decisions for the controller. It never
	// returns an error for insufficient funds: it returns a Decision and the
	// controller decides whether to stop the loop.
	Guard struct {
		table         RateTable
		minReserveUSD float64
	}

	// GuardOptions configures a Guard.
	GuardOptions struct {
		// Table is the rate table used for cost conversion. Required.
		Table RateTable
		// MinReserveUSD is the account balance floor a partial settlement
		// must leave untouched. Zero means the balance may be drained.
		MinReserveUSD float64
	}

	// Decision is the result of an affordability check.
	Decision struct {
		// OK reports whether the cumulative cost fits under both the session
		// ceiling and the spendable account balance.
		OK bool
		// MaxAffordable is the largest amount that can be charged without
		// breaching the ceiling or dipping into the minimum reserve. Never
		// negative.
		MaxAffordable float64
	}
)

// ErrUnknownModel reports a cost conversion for a model with no rate entry.
var ErrUnknownModel = errors.New("budget: no rates for model")

// NewRateTable builds a table from model id to price schedule.
func NewRateTable(rates map[string]Rates) RateTable {
	cp := make(map[string]Rates, len(rates))
	for k, v := range rates {
		cp[k] = v
	}
	return RateTable{rates: cp}
}

// Cost converts a step's token usage into unrounded dollars using the model's
// linear rate schedule.
func (t RateTable) Cost(modelID string, usage model.TokenUsage) (float64, error) {
	r, ok := t.rates[modelID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	const mtok = 1_000_000
	cost := float64(usage.InputTokens)*r.InputPerMTok/mtok +
		float64(usage.OutputTokens)*r.OutputPerMTok/mtok +
		float64(usage.CacheReadTokens)*r.CacheReadPerMTok/mtok +
		float64(usage.CacheWriteTokens)*r.CacheWritePerMTok/mtok
	return cost, nil
}

// NewGuard validates options and constructs a Guard.
func NewGuard(opts GuardOptions) (*Guard, error) {
	if len(opts.Table.rates) == 0 {
		return nil, errors.New("budget: rate table is required")
	}
	if opts.MinReserveUSD < 0 {
		return nil, errors.New("budget: min reserve must not be negative")
	}
	return &Guard{table: opts.Table, minReserveUSD: opts.MinReserveUSD}, nil
}

// Cost converts a step's usage into dollars. Pure; delegates to the table.
func (g *Guard) Cost(modelID string, usage model.TokenUsage) (float64, error) {
	return g.table.Cost(modelID, usage)
}

// CheckAffordable evaluates the cumulative session cost against the fixed
// per-session ceiling (hard stop regardless of balance) and against the
// account balance less the configured reserve (partial-charge fallback).
// MaxAffordable is what the controller charges when OK is false: paying for
// work already done beats refunding everything, since generation cannot be
// undone.
func (g *Guard) CheckAffordable(cumulativeUSD, ceilingUSD, balanceUSD float64) Decision {
	spendable := balanceUSD - g.minReserveUSD
	if spendable < 0 {
		spendable = 0
	}
	max := math.Min(ceilingUSD, spendable)
	if max < 0 {
		max = 0
	}
	return Decision{
		OK:            cumulativeUSD < ceilingUSD && cumulativeUSD <= spendable,
		MaxAffordable: max,
	}
}

// RoundUSD rounds to whole cents. Applied exactly once, at settlement.
func RoundUSD(v float64) float64 {
	return math.Round(v*100) / 100
}
