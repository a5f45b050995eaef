package approval

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/safar/quotesync/internal/config"
)

var ErrNoTier = errors.New("no approval tier covers the quote value")

// Tier covers values in [Min, Max). A tier without a maximum is open-ended.
type Tier struct {
	Level        int
	Min          decimal.Decimal
	Max          decimal.Decimal
	HasMax       bool
	ApproverRole string
}

func (t Tier) Covers(value decimal.Decimal) bool {
	if value.LessThan(t.Min) {
		return false
	}
	return !t.HasMax || value.LessThan(t.Max)
}

type TierTable struct {
	tiers []Tier
}

func NewTierTable(cfg []config.TierConfig) (*TierTable, error) {
	tiers := make([]Tier, 0, len(cfg))
	seen := make(map[int]bool, len(cfg))
	for _, c := range cfg {
		if seen[c.Level] {
			return nil, fmt.Errorf("duplicate tier level %d", c.Level)
		}
		seen[c.Level] = true

		min, err := decimal.NewFromString(c.MinValue)
		if err != nil {
			return nil, fmt.Errorf("tier %d min_value: %w", c.Level, err)
		}
		t := Tier{Level: c.Level, Min: min, ApproverRole: c.ApproverRole}
		if c.MaxValue != "" {
			max, err := decimal.NewFromString(c.MaxValue)
			if err != nil {
				return nil, fmt.Errorf("tier %d max_value: %w", c.Level, err)
			}
			if !max.GreaterThan(min) {
				return nil, fmt.Errorf("tier %d: max_value %s not above min_value %s", c.Level, max, min)
			}
			t.Max = max
			t.HasMax = true
		}
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Level < tiers[j].Level })
	return &TierTable{tiers: tiers}, nil
}

// Resolve returns the highest tier a quote of this value must clear.
func (t *TierTable) Resolve(value decimal.Decimal) (Tier, error) {
	for i := len(t.tiers) - 1; i >= 0; i-- {
		if t.tiers[i].Covers(value) {
			return t.tiers[i], nil
		}
	}
	return Tier{}, fmt.Errorf("%w: %s", ErrNoTier, value)
}

func (t *TierTable) Level(level int) (Tier, bool) {
	for _, tier := range t.tiers {
		if tier.Level == level {
			return tier, true
		}
	}
	return Tier{}, false
}

func (t *TierTable) First() (Tier, bool) {
	if len(t.tiers) == 0 {
		return Tier{}, false
	}
	return t.tiers[0], true
}

// Next returns the tier after level, provided it does not exceed final.
func (t *TierTable) Next(level, final int) (Tier, bool) {
	for _, tier := range t.tiers {
		if tier.Level > level && tier.Level <= final {
			return tier, true
		}
	}
	return Tier{}, false
}
