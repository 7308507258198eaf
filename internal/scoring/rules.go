// Package scoring grades stored guesses against an authoritative result and
// commits the points into the ledger exactly once per (user, day, version).
package scoring

import (
	"fmt"
	"strings"

	"github.com/koyon-nft/internal/config"
	"github.com/koyon-nft/internal/domain"
)

// DayRules is the outcome domain and scoring table for one day
type DayRules struct {
	Games   int
	Options map[string]struct{}
	Table   config.ScoringTable
}

// Rules grades outcomes for every day
type Rules struct {
	days map[domain.Day]DayRules
}

// NewRules builds grading rules from the scoring configuration
func NewRules(cfg *config.ScoringConfig) *Rules {
	return &Rules{
		days: map[domain.Day]DayRules{
			domain.DayFirst:  newDayRules(cfg.First),
			domain.DaySecond: newDayRules(cfg.Second),
		},
	}
}

func newDayRules(cfg config.DayConfig) DayRules {
	options := make(map[string]struct{}, len(cfg.Options))
	for _, o := range cfg.Options {
		options[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	return DayRules{
		Games:   cfg.Games,
		Options: options,
		Table:   cfg.Table,
	}
}

// Day returns the rules for a day
func (r *Rules) Day(day domain.Day) (DayRules, bool) {
	rules, ok := r.days[day]
	return rules, ok
}

// Validate checks that an outcome belongs to the day's domain
func (r *Rules) Validate(day domain.Day, outcome domain.Outcome) error {
	rules, ok := r.days[day]
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrUnknownDay, int(day))
	}
	if len(outcome) != rules.Games {
		return fmt.Errorf("%w: day %s expects %d picks, got %d",
			domain.ErrIncomparableResult, day, rules.Games, len(outcome))
	}
	for i, pick := range outcome {
		if _, ok := rules.Options[pick]; !ok {
			return fmt.Errorf("%w: pick %d %q is not a valid option for day %s",
				domain.ErrIncomparableResult, i+1, pick, day)
		}
	}
	return nil
}

// Points grades a predicted outcome against the result.
// Both outcomes must already be validated for the day.
func (r *Rules) Points(day domain.Day, predicted, result domain.Outcome) int64 {
	table := r.days[day].Table
	if predicted.Equal(result) {
		return table.Exact
	}
	return table.Miss + table.PerPick*int64(predicted.Matches(result))
}
